package admission

// DefaultThreshold is the number of vendor detections that marks an origin malicious
const DefaultThreshold = 2

// Engine makes admission decisions
type Engine struct {
	mode      Mode
	threshold int
}

// NewEngine creates a new admission engine
func NewEngine(mode Mode, threshold int) *Engine {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	if mode == "" {
		mode = ModeAdmit
	}
	return &Engine{
		mode:      mode,
		threshold: threshold,
	}
}

// Result represents the result of an admission decision
type Result struct {
	Decision Decision
	Reason   string
}

// Classify turns a reputation detection count into a status
func (e *Engine) Classify(detections int) Status {
	if detections >= e.threshold {
		return StatusMalicious
	}
	return StatusSafe
}

// Evaluate decides whether the verdict's origin may enter the policy
func (e *Engine) Evaluate(v Verdict) Result {
	switch v.Status {
	case StatusSafe:
		return Result{Decision: DecisionAdmit, Reason: "No threats detected"}

	case StatusSpecial:
		return Result{Decision: DecisionAdmit, Reason: "Keyword or scheme source"}

	case StatusMalicious:
		return Result{Decision: DecisionReject, Reason: "Flagged by reputation service"}

	case StatusJSONPVulnerable:
		return Result{Decision: DecisionReject, Reason: "Endpoint looks like an abusable JSONP response"}
	}

	// unknown and error
	if e.mode == ModeExclude {
		return Result{Decision: DecisionReject, Reason: "Origin could not be verified"}
	}
	return Result{Decision: DecisionAdmit, Reason: "Origin could not be verified, admitted provisionally"}
}

// Admit is shorthand for Evaluate(v).ShouldAdmit()
func (e *Engine) Admit(v Verdict) bool {
	return e.Evaluate(v).ShouldAdmit()
}

// ShouldAdmit returns true if the decision is to admit
func (r Result) ShouldAdmit() bool {
	return r.Decision == DecisionAdmit
}

// Mode returns the unknown-handling mode
func (e *Engine) Mode() Mode {
	return e.mode
}

// Threshold returns the detection threshold
func (e *Engine) Threshold() int {
	return e.threshold
}
