package admission

import (
	"time"

	"github.com/Pirikara/cspgate/internal/csp"
)

// Mode decides what happens to origins the gate could not classify
type Mode string

const (
	// ModeAdmit lets unknown origins in provisionally
	ModeAdmit Mode = "admit"
	// ModeExclude keeps unknown origins out
	ModeExclude Mode = "exclude"
)

// ParseMode validates a configured mode
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeAdmit, ModeExclude:
		return Mode(s), true
	case "":
		return ModeAdmit, true
	}
	return "", false
}

// Decision represents the admission result for one origin
type Decision string

const (
	DecisionAdmit  Decision = "admit"
	DecisionReject Decision = "reject"
)

// Status is the classification a verdict carries
type Status string

const (
	StatusSafe            Status = "safe"
	StatusMalicious       Status = "malicious"
	StatusSpecial         Status = "special"
	StatusUnknown         Status = "unknown"
	StatusJSONPVulnerable Status = "jsonp_vulnerable"
	StatusError           Status = "error"
)

// Malicious reports whether the status blocks the origin outright
func (s Status) Malicious() bool {
	return s == StatusMalicious || s == StatusJSONPVulnerable
}

// Cacheable reports whether a verdict with this status is worth keeping
func (s Status) Cacheable() bool {
	return s == StatusSafe || s.Malicious()
}

// Verdict is the gate's classification of one origin for one directive
type Verdict struct {
	Origin         string        `json:"origin"`
	Directive      csp.Directive `json:"directive"`
	Status         Status        `json:"status"`
	DetectionCount int           `json:"detection_count"`
	CheckedAt      time.Time     `json:"checked_at"`
	// Reasons lists the heuristic signals behind a jsonp_vulnerable verdict
	Reasons []string `json:"reasons,omitempty"`
	// Cached is true when the verdict was served from the cache
	Cached bool `json:"-"`
}
