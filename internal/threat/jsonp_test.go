package threat

import (
	"testing"
)

func TestAnalyzeJSONP(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		contentType    string
		body           string
		wantVulnerable bool
		wantStrong     int
		wantWeak       int
	}{
		{
			name:           "callback call with eval",
			url:            "https://api.example.com/data.js",
			contentType:    "text/plain",
			body:           `handler({"a":1}); eval(x)`,
			wantVulnerable: true,
			wantStrong:     1,
			wantWeak:       1,
		},
		{
			name:           "callback query parameter alone",
			url:            "https://api.example.com/data?callback=foo",
			contentType:    "application/json",
			body:           `{"a":1}`,
			wantVulnerable: true,
			wantStrong:     1,
		},
		{
			name:           "script content type and callback pattern",
			url:            "https://api.example.com/data",
			contentType:    "application/javascript; charset=utf-8",
			body:           `cb([1,2,3])`,
			wantVulnerable: true,
			wantWeak:       3,
		},
		{
			name:        "plain library",
			url:         "https://cdn.example.com/lib.js",
			contentType: "text/javascript",
			body:        `(function(){ var x = 1; })();`,
			wantWeak:    1,
		},
		{
			name:        "html page embeds scripts",
			url:         "https://www.example.com/",
			contentType: "text/html; charset=utf-8",
			body:        `<html><script src="/a.js"></script></html>`,
		},
		{
			name:           "embedded script in non-html",
			url:            "https://ads.example.com/serve",
			contentType:    "text/plain",
			body:           `document.write('<b>ad</b>')`,
			wantVulnerable: true,
			wantStrong:     1,
		},
		{
			name:        "bare object assignment with json type",
			url:         "https://api.example.com/cfg",
			contentType: "application/json",
			body:        `var config = {"a":1}`,
			wantWeak:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := AnalyzeJSONP(tt.url, tt.contentType, []byte(tt.body))
			if r.Vulnerable() != tt.wantVulnerable {
				t.Errorf("Vulnerable() = %v, want %v (reasons %v)", r.Vulnerable(), tt.wantVulnerable, r.Reasons())
			}
			if len(r.Strong) != tt.wantStrong {
				t.Errorf("strong signals = %v, want %d", r.Strong, tt.wantStrong)
			}
			if len(r.Weak) != tt.wantWeak {
				t.Errorf("weak signals = %v, want %d", r.Weak, tt.wantWeak)
			}
		})
	}
}

func TestJSONPReport_Reasons(t *testing.T) {
	r := JSONPReport{Strong: []string{SignalDynamicCode}, Weak: []string{SignalCallbackPattern}}
	got := r.Reasons()
	if len(got) != 2 || got[0] != SignalDynamicCode || got[1] != SignalCallbackPattern {
		t.Errorf("Reasons() = %v", got)
	}
}
