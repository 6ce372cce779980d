package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/run-ci/conductor/trigger"
	"github.com/sirupsen/logrus"
)

// ErrEventsBusy is returned when the trigger engine can't take another
// event right now.
var ErrEventsBusy = errors.New("event queue is full")

type hookRequest struct {
	Root   string `json:"root"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// handleVCSHook turns a push notification from a VCS server into a vcs
// trigger event.
func (srv *Server) handleVCSHook(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	var body hookRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		logger.WithError(err).Error("unable to unmarshal request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	if body.Root == "" || body.Branch == "" {
		err := errors.New("missing fields 'root' and 'branch' in hook body")
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	logger = logger.WithFields(logrus.Fields{
		"root":   body.Root,
		"branch": body.Branch,
		"commit": body.Commit,
	})

	ev := trigger.Event{
		Kind:   trigger.KindVCS,
		Root:   body.Root,
		Branch: body.Branch,
		Commit: body.Commit,
		Time:   time.Now(),
	}

	select {
	case srv.evch <- ev:
	default:
		logger.WithError(ErrEventsBusy).Warn("dropping hook event")

		writeErrResp(rw, ErrEventsBusy, http.StatusServiceUnavailable)
		return
	}

	logger.Debug("queued hook event")

	writeResp(rw, map[string]string{"status": "accepted"}, http.StatusAccepted)
}
