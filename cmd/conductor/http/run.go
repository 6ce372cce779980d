package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/run-ci/conductor/scheduler"
	"github.com/run-ci/conductor/store"
	"github.com/sirupsen/logrus"
)

// runRequest is the optional body of a manual run request.
type runRequest struct {
	Branch string            `json:"branch"`
	Commit string            `json:"commit"`
	Params map[string]string `json:"params"`
}

func (srv *Server) handleGetRuns(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	def, err := srv.pipelineVar(req)
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	logger = logger.WithField("pipeline", def.Name)
	logger.Debug("retrieving runs from store")

	runs, err := srv.st.GetRuns(def.Name)
	if err != nil {
		logger.WithError(err).Error("unable to retrieve runs")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	if runs == nil {
		runs = []store.Run{}
	}

	writeResp(rw, runs, http.StatusOK)
}

func (srv *Server) handleCreateRun(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	sub, _ := req.Context().Value(keyReqSub).(string)
	logger := logger.WithFields(logrus.Fields{
		"request_id": reqID,
		"sub":        sub,
	})

	def, err := srv.pipelineVar(req)
	if err != nil {
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	logger = logger.WithField("pipeline", def.Name)

	var body runRequest
	if req.Body != nil {
		buf, err := io.ReadAll(req.Body)
		if err != nil {
			logger.WithError(err).Error("unable to read request body")

			writeErrResp(rw, err, http.StatusInternalServerError)
			return
		}

		if len(buf) > 0 {
			if err := json.Unmarshal(buf, &body); err != nil {
				logger.WithError(err).Error("unable to unmarshal request body")

				writeErrResp(rw, err, http.StatusBadRequest)
				return
			}
		}
	}

	logger.Debug("admitting manual run")

	run, err := srv.sched.Admit(req.Context(), def, scheduler.TriggerContext{
		Reason: "manual",
		Branch: body.Branch,
		Commit: body.Commit,
		Params: body.Params,
	})
	if err != nil {
		logger.WithError(err).Error("unable to admit run")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	logger.WithField("run_id", run.ID).Info("admitted manual run")

	writeResp(rw, run, http.StatusAccepted)
}

func (srv *Server) handleGetRun(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	run, err := srv.runVar(req)
	if err != nil {
		logger.WithError(err).Error("unable to retrieve run")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	writeResp(rw, run, http.StatusOK)
}

func (srv *Server) handleGetStepLog(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	run, err := srv.runVar(req)
	if err != nil {
		logger.WithError(err).Error("unable to retrieve run")

		writeErrResp(rw, err, statusFor(err))
		return
	}

	logger = logger.WithField("run_id", run.ID)
	logger.Debug("parsing step index")

	idx, err := strconv.Atoi(mux.Vars(req)["index"])
	if err != nil {
		logger.WithError(err).Error("unable to parse index as integer")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	if idx < 0 || idx >= len(run.Steps) {
		err := fmt.Errorf("run %s has no step %d", run.ID, idx)
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusNotFound)
		return
	}

	ref := run.Steps[idx].OutputRef
	if ref == "" {
		err := fmt.Errorf("step %d has no output yet", idx)
		logger.WithError(err).Debug("unable to complete request")

		writeErrResp(rw, err, http.StatusNotFound)
		return
	}

	f, err := os.Open(ref)
	if err != nil {
		logger.WithError(err).Error("unable to open step output")

		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeErrResp(rw, err, status)
		return
	}
	defer f.Close()

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	if _, err := io.Copy(rw, f); err != nil {
		logger.WithError(err).Warn("unable to stream step output")
	}
}

// runVar loads the run named in the request path.
func (srv *Server) runVar(req *http.Request) (store.Run, error) {
	id, ok := mux.Vars(req)["id"]
	if !ok || id == "" {
		return store.Run{}, errors.New("missing parameter 'id' from request")
	}

	return srv.st.GetRun(id)
}
