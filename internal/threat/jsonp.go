package threat

import (
	"mime"
	"net/url"
	"regexp"
	"strings"
)

var (
	functionCallPattern       = regexp.MustCompile(`^[\w$.]+\s*\(\s*[\{\[][\s\S]*[\}\]]\s*\)\s*;?`)
	variableAssignmentPattern = regexp.MustCompile(`^(?:var|let|const)?\s*[\w$.]+\s*=\s*\{`)

	commonCallbacks = []string{"callback", "jsonp", "cb", "json"}

	scriptMIMETypes = map[string]bool{
		"application/javascript":   true,
		"text/javascript":          true,
		"application/x-javascript": true,
		"application/ecmascript":   true,
		"text/ecmascript":          true,
	}
)

// Signal names reported by AnalyzeJSONP
const (
	SignalScriptContentType = "javascript content type"
	SignalCallbackPattern   = "callback pattern"
	SignalCallbackName      = "common callback name"
	SignalDynamicCode       = "dynamic code execution"
	SignalCallbackParam     = "callback query parameter"
	SignalEmbeddedScript    = "embedded script"
)

// JSONPReport lists the heuristic signals found in one response
type JSONPReport struct {
	Strong []string
	Weak   []string
}

// Vulnerable is true with one strong signal or two weak ones
func (r JSONPReport) Vulnerable() bool {
	return len(r.Strong) >= 1 || len(r.Weak) >= 2
}

// Reasons returns every signal, strong first
func (r JSONPReport) Reasons() []string {
	return append(append([]string(nil), r.Strong...), r.Weak...)
}

// AnalyzeJSONP inspects a fetched response for signs that the endpoint can be
// abused as a JSONP gadget. HTML documents naturally embed scripts, so the
// embedded-script signal only counts for non-HTML bodies.
func AnalyzeJSONP(rawURL, contentType string, body []byte) JSONPReport {
	var r JSONPReport
	text := strings.TrimSpace(string(body))
	mediaType, _, _ := mime.ParseMediaType(contentType)
	mediaType = strings.ToLower(mediaType)

	if scriptMIMETypes[mediaType] {
		r.Weak = append(r.Weak, SignalScriptContentType)
	}
	if functionCallPattern.MatchString(text) || variableAssignmentPattern.MatchString(text) {
		r.Weak = append(r.Weak, SignalCallbackPattern)
	}
	for _, name := range commonCallbacks {
		if strings.HasPrefix(text, name+"(") {
			r.Weak = append(r.Weak, SignalCallbackName)
			break
		}
	}

	if strings.Contains(text, "eval(") || strings.Contains(text, "new Function(") {
		r.Strong = append(r.Strong, SignalDynamicCode)
	}
	if hasCallbackParam(rawURL) {
		r.Strong = append(r.Strong, SignalCallbackParam)
	}
	if mediaType != "text/html" && (strings.Contains(text, "<script") || strings.Contains(text, "document.write")) {
		r.Strong = append(r.Strong, SignalEmbeddedScript)
	}
	return r
}

func hasCallbackParam(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for key := range u.Query() {
		switch strings.ToLower(key) {
		case "callback", "jsonp", "cb", "jsonpcallback":
			return true
		}
	}
	return false
}
