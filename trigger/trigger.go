package trigger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/scheduler"
	"github.com/run-ci/conductor/store"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "trigger",
	})
}

// Kind is the kind of an Event.
type Kind string

const (
	KindVCS      Kind = "vcs"
	KindUpstream Kind = "upstream"
	KindSchedule Kind = "schedule"
	KindManual   Kind = "manual"
)

// Event is something that may start pipeline runs.
type Event struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Root is the name or URL of the repository a vcs event is about.
	Root   string `json:"root,omitempty" yaml:"root,omitempty"`
	Branch string `json:"branch" yaml:"branch"`
	Commit string `json:"commit,omitempty" yaml:"commit,omitempty"`

	// Pipeline names the target of schedule and manual events.
	Pipeline string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`

	Upstream *Upstream `json:"upstream,omitempty" yaml:"upstream,omitempty"`

	Time time.Time `json:"time" yaml:"time"`
}

// Upstream describes the finished run behind an upstream event.
type Upstream struct {
	Pipeline string       `json:"pipeline" yaml:"pipeline"`
	RunID    string       `json:"run_id" yaml:"run_id"`
	Number   int          `json:"number" yaml:"number"`
	Status   store.Status `json:"status" yaml:"status"`
}

// Finished is the upstream event for a finished run.
func Finished(r store.Run) Event {
	t := time.Now()
	if r.End != nil {
		t = *r.End
	}

	return Event{
		Kind:   KindUpstream,
		Branch: r.Branch,
		Commit: r.Commit,
		Upstream: &Upstream{
			Pipeline: r.Pipeline,
			RunID:    r.ID,
			Number:   r.Number,
			Status:   r.Status,
		},
		Time: t,
	}
}

// StartRequest asks for a run of a pipeline.
type StartRequest struct {
	Pipeline *pipeline.Definition
	Context  scheduler.TriggerContext
}

// Admitter accepts start requests.
type Admitter interface {
	Admit(ctx context.Context, def *pipeline.Definition, tc scheduler.TriggerContext) (*store.Run, error)
}

// Engine matches events against the triggers of every pipeline.
type Engine struct {
	cfg *pipeline.Config
}

// NewEngine returns an engine for the pipelines in cfg.
func NewEngine(cfg *pipeline.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate returns a start request for every pipeline with a trigger that
// fires on ev. A pipeline is started at most once per event.
func (e *Engine) Evaluate(ev Event) []StartRequest {
	logger := logger.WithFields(log.Fields{
		"kind":   ev.Kind,
		"branch": ev.Branch,
	})

	var reqs []StartRequest
	for _, def := range e.cfg.Pipelines {
		if !fires(def, ev) {
			continue
		}

		logger.WithField("pipeline", def.Name).Debug("trigger fired")
		reqs = append(reqs, StartRequest{
			Pipeline: def,
			Context:  triggerContext(ev),
		})
	}

	return reqs
}

func fires(def *pipeline.Definition, ev Event) bool {
	if ev.Kind == KindManual {
		return ev.Pipeline == def.Name
	}

	for _, t := range def.Triggers {
		if string(t.Kind) != string(ev.Kind) {
			continue
		}

		switch t.Kind {
		case pipeline.TriggerVCS:
			if !rootMatches(def.Root, ev.Root) || !rootWatches(def.Root, ev.Branch) {
				continue
			}
		case pipeline.TriggerUpstream:
			up := ev.Upstream
			if up == nil || up.Pipeline != t.Upstream || !up.Status.Terminal() {
				continue
			}
			if t.SuccessfulOnly && up.Status != store.StatusSucceeded {
				continue
			}
		case pipeline.TriggerSchedule:
			if ev.Pipeline != def.Name {
				continue
			}
		}

		if filterMatch(t.Filter, ev.Branch) {
			return true
		}
	}

	return false
}

func filterMatch(f pipeline.BranchFilter, branch string) bool {
	if f.Empty() {
		return true
	}

	return f.Match(branch)
}

// rootMatches reports whether an event's root refers to root, by name or
// by URL.
func rootMatches(root *pipeline.VcsRoot, name string) bool {
	if root == nil || name == "" {
		return false
	}
	if root.Name == name {
		return true
	}

	return root.URL != "" && normalizeURL(root.URL) == normalizeURL(name)
}

func normalizeURL(u string) string {
	u = strings.TrimSuffix(strings.TrimRight(u, "/"), ".git")
	return strings.ToLower(u)
}

// rootWatches reports whether the root's branch spec admits branch. Tags
// are only visible when the root uses tags as branches.
func rootWatches(root *pipeline.VcsRoot, branch string) bool {
	if strings.HasPrefix(branch, "refs/tags/") && !root.UseTagsAsBranches {
		return false
	}

	return filterMatch(root.BranchSpec, branch)
}

func triggerContext(ev Event) scheduler.TriggerContext {
	tc := scheduler.TriggerContext{
		Reason: string(ev.Kind),
		Branch: ev.Branch,
		Commit: ev.Commit,
	}
	if ev.Upstream != nil {
		tc.Params = map[string]string{
			"upstream.pipeline": ev.Upstream.Pipeline,
			"upstream.id":       ev.Upstream.RunID,
			"upstream.number":   strconv.Itoa(ev.Upstream.Number),
			"upstream.status":   string(ev.Upstream.Status),
		}
	}

	return tc
}

// Run evaluates events until ctx is done or events is closed, handing every
// start request to a.
func (e *Engine) Run(ctx context.Context, events <-chan Event, a Admitter) error {
	logger.Info("trigger engine started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			for _, req := range e.Evaluate(ev) {
				logger := logger.WithFields(log.Fields{
					"pipeline": req.Pipeline.Name,
					"kind":     ev.Kind,
					"branch":   ev.Branch,
				})

				run, err := a.Admit(ctx, req.Pipeline, req.Context)
				if err != nil {
					logger.WithError(err).Error("unable to admit run")
					continue
				}

				logger.WithField("run_id", run.ID).Info("run triggered")
			}
		}
	}
}
