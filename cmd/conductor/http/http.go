package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/scheduler"
	"github.com/run-ci/conductor/store"
	"github.com/run-ci/conductor/trigger"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

type ctxkey int

const (
	keyReqID ctxkey = iota
	keyReqSub
)

func init() {
	logger = logrus.WithField("package", "http")
}

// ErrPipelineNotFound is returned for pipelines the settings don't define.
var ErrPipelineNotFound = errors.New("pipeline not found")

// runStore is the part of the run store the API reads.
type runStore interface {
	GetRun(id string) (store.Run, error)
	GetRuns(pipeline string) ([]store.Run, error)
}

// admitter starts manual runs.
type admitter interface {
	Admit(ctx context.Context, def *pipeline.Definition, tc scheduler.TriggerContext) (*store.Run, error)
}

// Server is a net/http.Server with the dependencies the API handlers
// need.
type Server struct {
	cfg       *pipeline.Config
	st        runStore
	sched     admitter
	evch      chan<- trigger.Event
	jwtsecret []byte

	*http.Server
}

// NewServer returns a Server listening on `addr`. Commit notifications
// posted to the API are sent on evch.
func NewServer(addr string, cfg *pipeline.Config, st runStore, sched admitter, evch chan<- trigger.Event, metrics prometheus.Gatherer, jwtsecret string) *Server {
	srv := &Server{
		Server: &http.Server{
			Addr: addr,
		},

		cfg:       cfg,
		st:        st,
		sched:     sched,
		evch:      evch,
		jwtsecret: []byte(jwtsecret),
	}

	r := mux.NewRouter()
	srv.Handler = r

	r.Handle("/", chain(getRoot, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/pipelines", chain(srv.handleGetPipelines, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/pipelines/{name}", chain(srv.handleGetPipeline, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/pipelines/{name}/runs", chain(srv.handleGetRuns, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/pipelines/{name}/runs", chain(
		srv.handleCreateRun,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodPost)

	r.Handle("/runs/{id}", chain(srv.handleGetRun, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/runs/{id}/steps/{index}/log", chain(srv.handleGetStepLog, setRequestID, logRequest)).
		Methods(http.MethodGet)

	r.Handle("/hooks/vcs", chain(
		srv.handleVCSHook,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodPost)

	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	return srv
}

// Middleware is a function that can intercept the handling of an HTTP request
// to do something useful.
type middleware func(http.HandlerFunc) http.HandlerFunc

// Chain builds the final http.Handler from all the middlewares passed to it.
func chain(f http.HandlerFunc, mw ...middleware) http.Handler {
	// Because function calls are placed on a stack, they need to
	// be applied in reverse order from what they are passed in,
	// in order for calls to Chain() to be intuitive.
	for i := len(mw) - 1; i >= 0; i-- {
		f = mw[i](f)
	}

	return f
}

// SetRequestID sets a UUID on the request so that it can be tracked through
// logs, metrics and instrumentation.
func setRequestID(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		id := uuid.New().String()

		ctx := context.WithValue(req.Context(), keyReqID, id)
		logger.WithField("request_id", id).
			Debug("setting request ID")

		f(rw, req.WithContext(ctx))
	}
}

// LogRequest logs useful information about the request. It must have a
// "request_id" set on the request context.
func logRequest(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		reqid := req.Context().Value(keyReqID).(string)

		logger := logger.WithField("request_id", reqid)

		logger.Infof("%v %v", req.Method, req.URL)

		f(rw, req)
	}
}

func (srv *Server) checkAuth(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		hdrline, ok := req.Header["Authorization"]
		if !ok {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		hdr := strings.Fields(hdrline[0])

		if len(hdr) < 2 || !strings.EqualFold(hdr[0], "Bearer") {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		// Tokens come in the form of "Bearer $TOKEN"
		bearer := hdr[1]

		keyfn := func(token *jwt.Token) (interface{}, error) {
			return srv.jwtsecret, nil
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(bearer, claims, keyfn,
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		if !token.Valid {
			err = errors.New("invalid bearer token")
			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), keyReqSub, claims.Subject)
		logger.WithField("sub", claims.Subject).
			Debug("setting auth subject")

		f(rw, req.WithContext(ctx))
	}
}

func getRoot(rw http.ResponseWriter, req *http.Request) {
	writeResp(rw, map[string]string{
		"service": "conductor",
	}, http.StatusOK)
}

// statusFor picks the response status for an error coming out of the
// store or the scheduler.
func statusFor(err error) int {
	var cerr *pipeline.ConfigurationError

	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.As(err, &cerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

func writeErrResp(rw http.ResponseWriter, err error, status int) {
	body := map[string]interface{}{
		"error": err.Error(),
	}

	var cerr *pipeline.ConfigurationError
	if errors.As(err, &cerr) {
		body["problems"] = cerr.Problems
	}

	writeResp(rw, body, status)
}

func writeResp(rw http.ResponseWriter, body interface{}, status int) {
	buf, err := json.Marshal(body)
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(buf)
}
