package http

import (
	"net/http"
	"testing"

	"github.com/run-ci/conductor/trigger"
)

func TestVCSHook(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"root": "MonolithRepo", "branch": "refs/heads/main", "commit": "abc123"}`)

	resp, _ := ts.do(t, http.MethodPost, "/hooks/vcs", body, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status code %v without a token, got %v", http.StatusUnauthorized, resp.StatusCode)
	}

	resp, buf := ts.do(t, http.MethodPost, "/hooks/vcs", body, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status code %v, got %v: %s", http.StatusAccepted, resp.StatusCode, buf)
	}

	ev := <-ts.evch
	if ev.Kind != trigger.KindVCS {
		t.Fatalf("expected kind %v, got %v", trigger.KindVCS, ev.Kind)
	}
	if ev.Root != "MonolithRepo" || ev.Branch != "refs/heads/main" || ev.Commit != "abc123" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatalf("expected event time to be set")
	}
}

func TestVCSHookErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		label  string
		body   string
		status int
	}{
		{"bad json", `{"root":`, http.StatusBadRequest},
		{"no branch", `{"root": "MonolithRepo"}`, http.StatusBadRequest},
		{"no root", `{"branch": "refs/heads/main"}`, http.StatusBadRequest},
	}

	for _, test := range tests {
		t.Run(test.label, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/hooks/vcs", []byte(test.body), true)
			if resp.StatusCode != test.status {
				t.Fatalf("expected status code %v, got %v", test.status, resp.StatusCode)
			}
		})
	}

	if len(ts.evch) != 0 {
		t.Fatalf("expected no events, got %v", len(ts.evch))
	}

	// a full channel is reported instead of blocking the request
	ts.evch <- trigger.Event{}
	resp, _ := ts.do(t, http.MethodPost, "/hooks/vcs", []byte(`{"root": "MonolithRepo", "branch": "refs/heads/main"}`), true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status code %v, got %v", http.StatusServiceUnavailable, resp.StatusCode)
	}
}
