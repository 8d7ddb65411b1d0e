package gemini

import (
	"errors"
	"testing"

	"github.com/legalflow/legalflow/pkg/extract"
)

func TestParseEventsPlainArray(t *testing.T) {
	raw := `[{"date":"12.03.2021","particulars":"Plaint filed.","citation":"p. 1","reference":"Plaint"}]`
	events, err := parseEvents(raw)
	if err != nil {
		t.Fatalf("parseEvents: %v", err)
	}
	if len(events) != 1 || events[0].Particulars != "Plaint filed." {
		t.Errorf("events = %+v", events)
	}
}

func TestParseEventsCodeFence(t *testing.T) {
	raw := "```json\n[{\"date\":\"\",\"particulars\":\"Summons issued.\",\"citation\":\"\",\"reference\":\"Order\"}]\n```"
	events, err := parseEvents(raw)
	if err != nil {
		t.Fatalf("parseEvents: %v", err)
	}
	if len(events) != 1 || events[0].Particulars != "Summons issued." {
		t.Errorf("events = %+v", events)
	}
}

func TestParseEventsWrappedObject(t *testing.T) {
	raw := `{"events":[{"date":"01.01.2020","particulars":"Notice served.","citation":"para 4","reference":"Notice"}]}`
	events, err := parseEvents(raw)
	if err != nil {
		t.Fatalf("parseEvents: %v", err)
	}
	if len(events) != 1 || events[0].Date != "01.01.2020" {
		t.Errorf("events = %+v", events)
	}
}

func TestParseEventsMalformed(t *testing.T) {
	if _, err := parseEvents("not json at all"); err == nil {
		t.Error("malformed output should error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"googleapi: Error 429: Resource has been exhausted", true},
		{"rpc error: code = Unavailable", true},
		{"context deadline exceeded", true},
		{"googleapi: Error 400: invalid argument", false},
		{"api key not valid", false},
	}
	for _, tt := range tests {
		if got := isRetryable(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestPromptVersions(t *testing.T) {
	e := &Extractor{name: "gemini"}
	if !e.SupportsPromptVersion("v1") || !e.SupportsPromptVersion("v2") {
		t.Error("v1 and v2 must be supported")
	}
	if e.SupportsPromptVersion("v99") {
		t.Error("unknown versions must be rejected")
	}

	if _, ok := prompts[defaultPromptVersion]; !ok {
		t.Error("default prompt version must exist")
	}
}

var _ extract.EventExtractor = (*Extractor)(nil)
