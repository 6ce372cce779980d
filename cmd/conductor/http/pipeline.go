package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/run-ci/conductor/pipeline"
)

type pipelineResponse struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Root        string            `json:"root,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Steps       []stepResponse    `json:"steps"`
	Triggers    []triggerResponse `json:"triggers,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
}

type stepResponse struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Image        string `json:"image,omitempty"`
	AllowFailure bool   `json:"allow_failure,omitempty"`
}

type triggerResponse struct {
	Kind     string `json:"kind"`
	Upstream string `json:"upstream,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

func newPipelineResponse(def *pipeline.Definition) pipelineResponse {
	resp := pipelineResponse{
		Name:        def.Name,
		DisplayName: def.DisplayName,
		Steps:       []stepResponse{},
	}

	if def.Root != nil {
		resp.Root = def.Root.Name
		resp.Branch = def.Root.Branch
	}

	if def.Failure.ExecutionTimeout > 0 {
		resp.Timeout = def.Failure.ExecutionTimeout.Round(time.Second).String()
	}

	for _, step := range def.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Name:         step.Name,
			Kind:         string(step.Kind),
			Image:        step.Image,
			AllowFailure: step.AllowFailure,
		})
	}

	for _, t := range def.Triggers {
		resp.Triggers = append(resp.Triggers, triggerResponse{
			Kind:     string(t.Kind),
			Upstream: t.Upstream,
			Schedule: t.Schedule,
		})
	}

	return resp
}

func (srv *Server) handleGetPipelines(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	logger.Debug("listing pipelines from settings")

	pipelines := []pipelineResponse{}
	for _, def := range srv.cfg.Pipelines {
		pipelines = append(pipelines, newPipelineResponse(def))
	}

	writeResp(rw, pipelines, http.StatusOK)
}

func (srv *Server) handleGetPipeline(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	def, err := srv.pipelineVar(req)
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	writeResp(rw, newPipelineResponse(def), http.StatusOK)
}

// pipelineVar looks up the pipeline named in the request path.
func (srv *Server) pipelineVar(req *http.Request) (*pipeline.Definition, error) {
	name, ok := mux.Vars(req)["name"]
	if !ok || name == "" {
		return nil, errors.New("missing parameter 'name' from request")
	}

	def, ok := srv.cfg.Pipeline(name)
	if !ok {
		return nil, ErrPipelineNotFound
	}

	return def, nil
}
