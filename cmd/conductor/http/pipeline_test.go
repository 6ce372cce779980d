package http

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestGetRoot(t *testing.T) {
	ts := newTestServer(t)

	resp, buf := ts.do(t, http.MethodGet, "/", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status code %v, got %v", http.StatusOK, resp.StatusCode)
	}

	var body map[string]string
	if err := json.Unmarshal(buf, &body); err != nil {
		t.Fatalf("got error unmarshaling response body: %v", err)
	}

	if body["service"] != "conductor" {
		t.Fatalf("expected service conductor, got %+v", body)
	}
}

func TestGetPipelines(t *testing.T) {
	ts := newTestServer(t)

	resp, buf := ts.do(t, http.MethodGet, "/pipelines", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status code %v, got %v", http.StatusOK, resp.StatusCode)
	}

	var pipelines []pipelineResponse
	if err := json.Unmarshal(buf, &pipelines); err != nil {
		t.Fatalf("got error unmarshaling pipelines: %v", err)
	}

	if len(pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %v", len(pipelines))
	}

	if pipelines[0].Name != "Build" || pipelines[1].Name != "Nightly" {
		t.Fatalf("expected Build and Nightly, got %v and %v", pipelines[0].Name, pipelines[1].Name)
	}
}

func TestGetPipeline(t *testing.T) {
	ts := newTestServer(t)

	resp, buf := ts.do(t, http.MethodGet, "/pipelines/Build", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status code %v, got %v", http.StatusOK, resp.StatusCode)
	}

	var actual pipelineResponse
	if err := json.Unmarshal(buf, &actual); err != nil {
		t.Fatalf("got error unmarshaling pipeline: %v", err)
	}

	if actual.Root != "MonolithRepo" {
		t.Fatalf("expected root MonolithRepo, got %v", actual.Root)
	}

	if len(actual.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %v", len(actual.Steps))
	}

	if actual.Steps[0].Name != "build and test Project" {
		t.Fatalf("expected first step 'build and test Project', got %v", actual.Steps[0].Name)
	}

	resp, _ = ts.do(t, http.MethodGet, "/pipelines/Nope", nil, false)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status code %v, got %v", http.StatusNotFound, resp.StatusCode)
	}
}
