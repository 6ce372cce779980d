package store

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

var (
	// ErrRunNotFound is returned when a run with the requested ID isn't in
	// the store.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned when something tries to change the status
	// of a run that already finished.
	ErrRunTerminal = errors.New("run already finished")
	// ErrCursorBackwards is returned when a run's step cursor would move
	// to an earlier step.
	ErrCursorBackwards = errors.New("step cursor can't move backwards")
)

func init() {
	logger = log.WithFields(log.Fields{
		"package": "store",
	})
}

// RunStore persists runs. Implementations must be safe for concurrent use
// since every agent worker writes its own run.
type RunStore interface {
	// CreateRun saves a new run, setting its ID if it's empty and its
	// per-pipeline Number.
	CreateRun(*Run) error
	// UpdateRun saves the run's current state, steps and artifacts.
	UpdateRun(*Run) error
	// GetRun returns the run with the given ID or ErrRunNotFound.
	GetRun(id string) (Run, error)
	// GetRuns returns the runs of a pipeline, newest first.
	GetRuns(pipeline string) ([]Run, error)
}

// Status is the state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}

	return false
}

// StepStatus is the state of a single step within a run.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepSucceeded     StepStatus = "succeeded"
	StepFailed        StepStatus = "failed"
	StepFailedAllowed StepStatus = "failed-allowed"
	StepSkipped       StepStatus = "skipped"
	StepNotRun        StepStatus = "not-run"
)

// Run is a representation of the actual state of execution of a pipeline.
type Run struct {
	ID       string `json:"id"`
	Number   int    `json:"number"`
	Pipeline string `json:"pipeline"`
	Status   Status `json:"status"`

	// What started the run and where.
	Reason string `json:"reason"`
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`

	Agent  string     `json:"agent,omitempty"`
	Cursor int        `json:"cursor"`
	Start  *time.Time `json:"start"`
	End    *time.Time `json:"end"`

	Steps     []StepRecord `json:"steps,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Problems  []string     `json:"problems,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StepRecord is the stored outcome of one step of a run.
type StepRecord struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	DurationMs int64      `json:"duration_ms"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
}

// Artifact is a file staged from a run's work tree.
type Artifact struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Published bool   `json:"published"`
}

// NewRun returns a pending run with one pending record per step name.
func NewRun(pipeline string, steps []string) *Run {
	r := &Run{
		Pipeline: pipeline,
		Status:   StatusPending,
		Steps:    make([]StepRecord, len(steps)),
	}
	for i, name := range steps {
		r.Steps[i] = StepRecord{Index: i, Name: name, Status: StepPending}
	}

	return r
}

// SetStart is a convenience method for setting the start time pointer.
func (r *Run) SetStart() {
	t := time.Now()
	r.Start = &t
}

// SetEnd is a convenience method for setting the end time pointer.
func (r *Run) SetEnd() {
	t := time.Now()
	r.End = &t
}

// Advance moves the step cursor to step i. The cursor only moves forward.
func (r *Run) Advance(i int) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	if i < r.Cursor {
		return fmt.Errorf("%w: at %d, asked for %d", ErrCursorBackwards, r.Cursor, i)
	}

	r.Cursor = i
	return nil
}

// Finish moves the run to a terminal status, recording err if there is
// one. Steps that never started are marked not-run. A run that already
// finished keeps its status and ErrRunTerminal is returned.
func (r *Run) Finish(status Status, err error) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	if !status.Terminal() {
		return fmt.Errorf("%q is not a terminal status", status)
	}

	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	for i := range r.Steps {
		if r.Steps[i].Status == StepPending {
			r.Steps[i].Status = StepNotRun
		}
	}
	r.SetEnd()

	return nil
}

// Succeeded is a convenience method for checking the status for success.
func (r *Run) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Duration is how long the run has been going, or went for.
func (r *Run) Duration() time.Duration {
	if r.Start == nil {
		return 0
	}
	if r.End == nil {
		return time.Since(*r.Start)
	}

	return r.End.Sub(*r.Start)
}

// SetStart is a convenience method for setting the start time pointer.
func (st *StepRecord) SetStart() {
	t := time.Now()
	st.Start = &t
}

// SetEnd is a convenience method for setting the end time pointer.
func (st *StepRecord) SetEnd() {
	t := time.Now()
	st.End = &t
}

// clone returns a copy of the run that shares no slices with r.
func (r Run) clone() Run {
	r.Steps = append([]StepRecord(nil), r.Steps...)
	r.Artifacts = append([]Artifact(nil), r.Artifacts...)
	r.Problems = append([]string(nil), r.Problems...)

	return r
}
