package telephony

import (
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"status", `{"call_id":"c1","event":"status_update","status":"connected"}`, true},
		{"transcript", `{"call_id":"c1","event":"transcript_update","transcript_entry":{"speaker":"agent","text":"hi","timestamp":"2024-05-01T10:00:00.123456+00:00"}}`, true},
		{"completed", `{"call_id":"c1","event":"call_completed","status":"completed","summary":"ok","duration_seconds":142,"transcript":[]}`, true},
		{"missing call id", `{"event":"status_update","status":"dialing"}`, false},
		{"unknown event", `{"call_id":"c1","event":"nope"}`, false},
		{"status without status", `{"call_id":"c1","event":"status_update"}`, false},
		{"transcript without entry", `{"call_id":"c1","event":"transcript_update"}`, false},
		{"negative duration", `{"call_id":"c1","event":"call_completed","status":"completed","duration_seconds":-1}`, false},
		{"not json", `nope`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tc.body))
			if tc.ok && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestVerifyBearer(t *testing.T) {
	if !VerifyBearer("Bearer s3cret", "s3cret") {
		t.Fatalf("expected match")
	}
	for _, h := range []string{"", "s3cret", "Bearer wrong", "Basic s3cret", "Bearer "} {
		if VerifyBearer(h, "s3cret") {
			t.Fatalf("expected mismatch for %q", h)
		}
	}
	if VerifyBearer("Bearer ", "") {
		t.Fatalf("empty secret must never verify")
	}
}
