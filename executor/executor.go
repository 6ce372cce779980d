package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/store"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "executor",
	})
}

// ErrNoCommand is returned when a step expands to nothing to run.
var ErrNoCommand = errors.New("step has nothing to run")

// Invocation is a fully expanded command ready for a Runner.
type Invocation struct {
	Argv     []string
	Env      []string
	Dir      string
	ToolHome string

	// Used by container runners only.
	Image string
	Auth  *RegistryAuth
}

// RegistryAuth is a resolved login for a container registry.
type RegistryAuth struct {
	Server   string
	Username string
	Password string
}

// Runner starts an invocation and waits for it to exit. Output from the
// command goes to out. The returned error is only for failures to run the
// command at all, or for ctx ending; a non-zero exit is not an error.
type Runner interface {
	Run(ctx context.Context, inv Invocation, out io.Writer) (int, error)
}

// RunContext is what a step sees of the run it belongs to.
type RunContext struct {
	RunID   string
	Workdir string
	LogDir  string

	// Params resolves %name% references. The executor publishes each
	// step's results into it for the steps that follow.
	Params *pipeline.Scope

	Image string
	Auth  *RegistryAuth
}

// StepResult is the outcome of running one step.
type StepResult struct {
	Status     store.StepStatus
	ExitCode   int
	DurationMs int64
	OutputRef  string
	Err        error
}

// Failed reports whether the step should stop the run.
func (r StepResult) Failed() bool {
	return r.Status == store.StepFailed
}

// Executor runs pipeline steps on a Runner.
type Executor struct {
	runner Runner
}

// New returns an Executor that runs steps on r.
func New(r Runner) *Executor {
	return &Executor{runner: r}
}

// Run runs a single step, the index'th of its pipeline. A step whose
// conditions don't hold is skipped without invoking anything. Results are
// published to rc.Params as step.<name>.exitCode and step.<name>.output.
func (e *Executor) Run(ctx context.Context, index int, step pipeline.Step, rc *RunContext) StepResult {
	logger := logger.WithFields(log.Fields{
		"run_id": rc.RunID,
		"step":   step.Name,
	})

	ok, err := pipeline.All(step.Conditions, rc.Params)
	if err != nil {
		logger.WithError(err).Debug("unable to evaluate step conditions")
		return StepResult{Status: store.StepFailed, ExitCode: -1, Err: fmt.Errorf("step %s conditions: %w", step.Name, err)}
	}
	if !ok {
		logger.Info("step conditions not met, skipping")
		publish(rc.Params, step.Name, 0, "")
		return StepResult{Status: store.StepSkipped}
	}

	inv, err := Prepare(step, rc)
	if err != nil {
		logger.WithError(err).Debug("unable to prepare step")
		return StepResult{Status: store.StepFailed, ExitCode: -1, Err: err}
	}

	if err := os.MkdirAll(rc.LogDir, 0755); err != nil {
		return StepResult{Status: store.StepFailed, ExitCode: -1, Err: err}
	}
	ref := filepath.Join(rc.LogDir, logName(index, step.Name))
	f, err := os.Create(ref)
	if err != nil {
		logger.WithError(err).Debug("unable to create step log")
		return StepResult{Status: store.StepFailed, ExitCode: -1, Err: err}
	}
	defer f.Close()

	tee := logger.WriterLevel(log.DebugLevel)
	defer tee.Close()

	// expanded arguments can carry resolved secrets, so only the template
	// is logged
	logger.WithFields(log.Fields{
		"kind":    step.Kind,
		"command": template(step),
	}).Info("starting step")

	start := time.Now()
	code, err := e.runner.Run(ctx, inv, io.MultiWriter(f, tee))
	res := StepResult{
		ExitCode:   code,
		DurationMs: time.Since(start).Milliseconds(),
		OutputRef:  ref,
		Err:        err,
	}

	switch {
	case err != nil:
		res.Status = store.StepFailed
	case code == 0:
		res.Status = store.StepSucceeded
	case step.AllowFailure:
		res.Status = store.StepFailedAllowed
	default:
		res.Status = store.StepFailed
	}

	publish(rc.Params, step.Name, code, ref)

	logger.WithFields(log.Fields{
		"exit_code":   code,
		"duration_ms": res.DurationMs,
		"status":      res.Status,
	}).Info("step finished")

	return res
}

func publish(params *pipeline.Scope, step string, code int, output string) {
	params.Set(pipeline.StepParam(step, "exitCode"), strconv.Itoa(code))
	params.Set(pipeline.StepParam(step, "output"), output)
}

// Prepare expands a step's references and builds its invocation. Script
// steps run under "sh -c"; tool steps run the tool with the tasks and the
// arguments split the way a shell would.
func Prepare(step pipeline.Step, rc *RunContext) (Invocation, error) {
	expand := func(s string) (string, error) {
		v, err := pipeline.Expand(s, rc.Params)
		if err != nil {
			return "", fmt.Errorf("step %s: %w", step.Name, err)
		}
		return v, nil
	}

	inv := Invocation{
		Dir:   rc.Workdir,
		Image: rc.Image,
		Auth:  rc.Auth,
	}

	var err error
	if inv.ToolHome, err = expand(step.ToolHome); err != nil {
		return inv, err
	}
	if step.Image != "" {
		if inv.Image, err = expand(step.Image); err != nil {
			return inv, err
		}
	}

	if step.Kind == pipeline.StepScript || step.Script != "" {
		script, err := expand(step.Script)
		if err != nil {
			return inv, err
		}
		inv.Argv = []string{"sh", "-c", script}
	} else {
		tool, err := expand(step.Tool)
		if err != nil {
			return inv, err
		}
		inv.Argv = append(inv.Argv, tool)

		for _, field := range []string{step.Tasks, step.Args} {
			expanded, err := expand(field)
			if err != nil {
				return inv, err
			}
			words, err := shlex.Split(expanded, true)
			if err != nil {
				return inv, fmt.Errorf("step %s: splitting arguments: %w", step.Name, err)
			}
			inv.Argv = append(inv.Argv, words...)
		}
	}

	if len(inv.Argv) == 0 || strings.TrimSpace(inv.Argv[0]) == "" {
		return inv, fmt.Errorf("step %s: %w", step.Name, ErrNoCommand)
	}

	keys := make([]string, 0, len(step.Env))
	for k := range step.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := expand(step.Env[k])
		if err != nil {
			return inv, err
		}
		inv.Env = append(inv.Env, k+"="+v)
	}

	for _, p := range []struct{ env, param string }{
		{"BUILD_BRANCH", "build.branch"},
		{"BUILD_COMMIT", "build.commit"},
		{"BUILD_NUMBER", "build.number"},
		{"BUILD_ID", "build.id"},
	} {
		if v, ok := rc.Params.Lookup(p.param); ok {
			inv.Env = append(inv.Env, p.env+"="+v)
		}
	}
	if inv.ToolHome != "" {
		inv.Env = append(inv.Env, "TOOL_HOME="+inv.ToolHome)
	}

	return inv, nil
}

// template is the unexpanded command line of step.
func template(step pipeline.Step) string {
	if step.Kind == pipeline.StepScript || step.Script != "" {
		return step.Script
	}

	return strings.TrimSpace(strings.Join([]string{step.Tool, step.Tasks, step.Args}, " "))
}

// logName names the log file of the index'th step. Step names can slug to
// the same thing, the index keeps them apart.
func logName(index int, step string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, step)

	return fmt.Sprintf("%02d-%s.log", index, slug)
}
