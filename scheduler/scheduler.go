package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/run-ci/conductor/executor"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/reporter"
	"github.com/run-ci/conductor/secrets"
	"github.com/run-ci/conductor/store"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "scheduler",
	})
}

// TriggerContext is what started a run.
type TriggerContext struct {
	// Reason is the kind of trigger, e.g. "vcs" or "manual".
	Reason string
	Branch string
	Commit string
	// Params are extra parameters layered over everything else.
	Params map[string]string
}

// Listener is called once for every run that finishes.
type Listener func(ctx context.Context, r store.Run)

// Options configures a Scheduler.
type Options struct {
	Config    *pipeline.Config
	Store     store.RunStore
	Pool      *AgentPool
	Workspace *executor.Workspace
	Stager    *reporter.Stager
	Secrets   secrets.Resolver
	Metrics   *Metrics

	// QueueSize bounds the number of admitted runs waiting for an agent.
	QueueSize int
	// BaseURL is where the API is reachable, for status links.
	BaseURL string
	// Env resolves %env.NAME% references. Defaults to the process
	// environment.
	Env func(string) (string, bool)
	// Publisher, if set, receives the statuses of every pipeline instead
	// of the publisher the pipeline configures.
	Publisher reporter.StatusPublisher
}

// Scheduler admits runs and executes them on agents from its pool.
type Scheduler struct {
	cfg        *pipeline.Config
	store      store.RunStore
	pool       *AgentPool
	queue      *Queue
	workspace  *executor.Workspace
	stager     *reporter.Stager
	secrets    secrets.Resolver
	metrics    *Metrics
	baseURL    string
	env        func(string) (string, bool)
	publishers map[string]reporter.StatusPublisher

	mu        sync.Mutex
	listeners []Listener
	// statuses holds, per run, the last status still being published.
	statuses map[string]chan struct{}
}

// New returns a Scheduler. Status publishers for every pipeline are built
// up front, so missing publisher credentials are reported here.
func New(ctx context.Context, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		cfg:        opts.Config,
		store:      opts.Store,
		pool:       opts.Pool,
		queue:      NewQueue(opts.QueueSize),
		workspace:  opts.Workspace,
		stager:     opts.Stager,
		secrets:    opts.Secrets,
		metrics:    opts.Metrics,
		baseURL:    opts.BaseURL,
		env:        opts.Env,
		publishers: map[string]reporter.StatusPublisher{},
		statuses:   map[string]chan struct{}{},
	}
	if s.secrets == nil {
		s.secrets = secrets.NewEnv("")
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	for _, def := range s.cfg.Pipelines {
		if opts.Publisher != nil {
			s.publishers[def.Name] = opts.Publisher
			continue
		}

		p, err := reporter.NewPublisher(ctx, def.StatusPublisher, s.secrets)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
		}
		s.publishers[def.Name] = reporter.Retrying{Publisher: p, Attempts: 3, Delay: time.Second}
	}

	return s, nil
}

// Config is the pipeline configuration the scheduler runs.
func (s *Scheduler) Config() *pipeline.Config {
	return s.cfg
}

// Metrics returns the scheduler's collectors.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// Subscribe registers l to be called when runs finish.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
}

// Run hands queued runs to idle agents until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.WithField("agents", s.pool.Size()).Info("dispatching runs")

	return s.queue.Run(ctx, s.pool)
}

// Admit checks that def can run, records a pending run and queues it. A
// pipeline with unresolvable parameters or no compatible agent is rejected
// with a *pipeline.ConfigurationError before any run is recorded. A full
// queue fails the run with ErrQueueFull. Admit doesn't wait for the pending
// status to be published.
func (s *Scheduler) Admit(ctx context.Context, def *pipeline.Definition, tc TriggerContext) (*store.Run, error) {
	logger := logger.WithFields(log.Fields{
		"pipeline": def.Name,
		"reason":   tc.Reason,
		"branch":   tc.Branch,
		"commit":   tc.Commit,
	})

	if tc.Branch == "" && def.Root != nil {
		tc.Branch = def.Root.Branch
	}

	agents, err := s.pool.Compatible(def.Requirements)
	if err != nil {
		return nil, &pipeline.ConfigurationError{
			Path:     "pipeline " + def.Name,
			Problems: []string{"requirements: " + err.Error()},
		}
	}
	if len(agents) == 0 {
		logger.Debug("no agent satisfies the requirements")
		return nil, &pipeline.ConfigurationError{
			Path:     "pipeline " + def.Name,
			Problems: []string{ErrNoAgent.Error()},
		}
	}

	run := store.NewRun(def.Name, stepNames(def))
	run.Reason = tc.Reason
	run.Branch = tc.Branch
	run.Commit = tc.Commit

	if err := def.CheckParams(s.scope(def, tc, agents[0], run)); err != nil {
		logger.WithError(err).Debug("rejecting run")
		return nil, err
	}

	if err := s.store.CreateRun(run); err != nil {
		logger.WithError(err).Debug("unable to save run")
		return nil, fmt.Errorf("saving run: %w", err)
	}
	logger = logger.WithField("run_id", run.ID)

	s.publish(ctx, def, *run)

	id := run.ID
	queued := s.queue.Enqueue(Job{
		Requirements: def.Requirements,
		Run: func(ctx context.Context, agent *Agent) error {
			return s.execute(ctx, def, id, tc, agent)
		},
		Abort: func(ctx context.Context, err error) {
			s.abort(ctx, def, id, fmt.Errorf("acquiring agent: %w", err))
		},
		OnFail: func(err error) {
			logger.WithError(err).Info("run did not succeed")
		},
	})
	if !queued {
		logger.Warn("run queue full")
		s.settle(ctx, def, run, store.StatusFailed, ErrQueueFull)
		return run, ErrQueueFull
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))

	logger.WithField("number", run.Number).Info("run admitted")

	return run, nil
}

// execute runs an admitted run to completion on agent, then releases
// agent. It returns the run's error, if it had one.
func (s *Scheduler) execute(ctx context.Context, def *pipeline.Definition, id string, tc TriggerContext, agent *Agent) error {
	logger := logger.WithFields(log.Fields{
		"pipeline": def.Name,
		"run_id":   id,
	})

	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.metrics.AgentsBusy.Set(float64(s.pool.Busy()))
	defer func() {
		s.pool.Release(agent)
		s.metrics.AgentsBusy.Set(float64(s.pool.Busy()))
	}()

	run, err := s.store.GetRun(id)
	if err != nil {
		logger.WithError(err).Error("unable to load admitted run")
		return err
	}

	run.Agent = agent.Name
	run.Status = store.StatusRunning
	run.SetStart()
	s.save(&run)
	s.publish(ctx, def, run)

	logger.WithField("agent", agent.Name).Info("run started")

	runCtx, cancel := withTimeout(ctx, def.Failure.ExecutionTimeout)
	defer cancel()

	status, runErr := s.runSteps(runCtx, def, &run, agent, tc)

	return s.finish(ctx, def, &run, status, runErr)
}

// abort fails a queued run that never got an agent.
func (s *Scheduler) abort(ctx context.Context, def *pipeline.Definition, id string, err error) {
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))

	run, gerr := s.store.GetRun(id)
	if gerr != nil {
		logger.WithError(gerr).WithField("run_id", id).Error("unable to load admitted run")
		return
	}

	s.finish(ctx, def, &run, store.StatusFailed, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}

// runSteps runs the steps of def in order, stopping at the first failure,
// then stages artifacts and checks failure conditions. ctx carries the
// execution timeout.
func (s *Scheduler) runSteps(ctx context.Context, def *pipeline.Definition, run *store.Run, agent *Agent, tc TriggerContext) (store.Status, error) {
	logger := logger.WithFields(log.Fields{
		"pipeline": def.Name,
		"run_id":   run.ID,
		"agent":    agent.Name,
	})

	timedOut := func() bool {
		return errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	params := s.scope(def, tc, agent, run)
	values, err := secrets.ResolveAll(ctx, s.secrets, params.Values)
	if err != nil {
		return store.StatusFailed, fmt.Errorf("resolving parameters: %w", err)
	}
	params.Values = values

	workdir, err := s.workspace.Prepare(ctx, run.ID, def.Root, run.Branch, run.Commit)
	if err != nil {
		if timedOut() {
			return store.StatusTimedOut, ErrTimedOut
		}
		return store.StatusFailed, fmt.Errorf("preparing workspace: %w", err)
	}
	defer func() {
		if err := s.workspace.Cleanup(run.ID); err != nil {
			logger.WithError(err).Warn("unable to clean up work tree")
		}
	}()

	auth, err := s.registryAuth(ctx, def.Docker)
	if err != nil {
		return store.StatusFailed, err
	}

	rc := &executor.RunContext{
		RunID:   run.ID,
		Workdir: workdir,
		LogDir:  s.workspace.LogDir(run.ID),
		Params:  params,
		Image:   agent.Image,
		Auth:    auth,
	}
	exec := executor.New(agent.Runner)

	for i, step := range def.Steps {
		if timedOut() {
			return store.StatusTimedOut, ErrTimedOut
		}
		if err := ctx.Err(); err != nil {
			return store.StatusFailed, err
		}

		if err := run.Advance(i); err != nil {
			return store.StatusFailed, err
		}
		rec := &run.Steps[i]
		rec.Status = store.StepRunning
		rec.SetStart()
		s.save(run)

		res := exec.Run(ctx, i, step, rc)

		rec.Status = res.Status
		rec.ExitCode = res.ExitCode
		rec.DurationMs = res.DurationMs
		rec.OutputRef = res.OutputRef
		rec.SetEnd()
		s.metrics.StepsTotal.WithLabelValues(def.Name, string(res.Status)).Inc()

		if timedOut() {
			rec.Status = store.StepFailed
			s.save(run)
			logger.WithField("step", step.Name).Warn("execution timeout reached, step terminated")
			return store.StatusTimedOut, ErrTimedOut
		}
		s.save(run)

		if res.Failed() {
			return store.StatusFailed, &StepFailure{Step: step.Name, ExitCode: res.ExitCode, Err: res.Err}
		}
	}

	if s.stager != nil {
		artifacts, err := s.stager.Stage(ctx, run.ID, workdir, def.ArtifactRules)
		run.Artifacts = artifacts
		if err != nil {
			if timedOut() {
				return store.StatusTimedOut, ErrTimedOut
			}
			return store.StatusFailed, fmt.Errorf("staging artifacts: %w", err)
		}
	}

	return s.checkFailureConditions(def, run, params)
}

// checkFailureConditions publishes the run's metrics into params and
// evaluates def's failure conditions against them. Breached conditions
// that don't stop the build are recorded as problems on the run.
func (s *Scheduler) checkFailureConditions(def *pipeline.Definition, run *store.Run, params *pipeline.Scope) (store.Status, error) {
	var failed, skipped int
	for _, st := range run.Steps {
		switch st.Status {
		case store.StepFailed, store.StepFailedAllowed:
			failed++
		case store.StepSkipped:
			skipped++
		}
	}

	values := map[string]string{
		pipeline.MetricArtifactSize:  strconv.FormatInt(reporter.TotalSize(run.Artifacts), 10),
		pipeline.MetricBuildDuration: strconv.FormatInt(run.Duration().Milliseconds(), 10),
		pipeline.MetricFailedSteps:   strconv.Itoa(failed),
		pipeline.MetricSkippedSteps:  strconv.Itoa(skipped),
	}
	for m, v := range values {
		params.Set(pipeline.MetricParam(m), v)
	}

	for _, c := range def.Failure.Metrics {
		logger := logger.WithFields(log.Fields{
			"run_id":    run.ID,
			"condition": c.String(),
			"value":     values[c.Metric],
		})

		breached, err := c.Breached(params)
		if err != nil {
			logger.WithError(err).Warn("unable to evaluate failure condition")
			run.Problems = append(run.Problems, fmt.Sprintf("failure condition %s: %v", c, err))
			continue
		}
		if !breached {
			continue
		}

		breach := &FailureConditionBreach{Condition: c.String(), Value: values[c.Metric]}
		if c.StopBuild {
			logger.Info("failure condition breached, failing run")
			return store.StatusFailed, breach
		}

		logger.Info("failure condition breached")
		run.Problems = append(run.Problems, breach.Error())
	}

	return store.StatusSucceeded, nil
}

// finish moves run to its terminal status, saves it and tells everyone
// who needs to know. Listeners are called once the terminal status has
// been published. It returns err.
func (s *Scheduler) finish(ctx context.Context, def *pipeline.Definition, run *store.Run, status store.Status, err error) error {
	return s.conclude(ctx, def, run, status, err, true)
}

// settle is finish without waiting on the status publisher.
func (s *Scheduler) settle(ctx context.Context, def *pipeline.Definition, run *store.Run, status store.Status, err error) error {
	return s.conclude(ctx, def, run, status, err, false)
}

func (s *Scheduler) conclude(ctx context.Context, def *pipeline.Definition, run *store.Run, status store.Status, err error, wait bool) error {
	logger := logger.WithFields(log.Fields{
		"pipeline": def.Name,
		"run_id":   run.ID,
	})

	// the run is recorded and reported even when ctx has been cancelled
	ctx = context.WithoutCancel(ctx)

	if ferr := run.Finish(status, err); ferr != nil {
		logger.WithError(ferr).Warn("run already finished")
		return ferr
	}
	s.save(run)

	s.metrics.RunsTotal.WithLabelValues(def.Name, string(run.Status)).Inc()
	if run.Start != nil {
		s.metrics.RunDuration.WithLabelValues(def.Name).Observe(run.Duration().Seconds())
	}

	published := s.publish(ctx, def, *run)
	if wait {
		<-published
	}

	entry := logger.WithFields(log.Fields{
		"status":   run.Status,
		"duration": run.Duration(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("run finished")

	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ctx, *run)
	}

	return err
}

// publish sends the status of run in the background. Statuses of one run
// go out in the order they are published. The returned channel is closed
// once this one has gone.
func (s *Scheduler) publish(ctx context.Context, def *pipeline.Definition, run store.Run) <-chan struct{} {
	status := reporter.StatusFor(run, def, s.baseURL)
	publisher := s.publishers[def.Name]
	ctx = context.WithoutCancel(ctx)

	done := make(chan struct{})
	s.mu.Lock()
	prev := s.statuses[run.ID]
	s.statuses[run.ID] = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}

		reporter.Notify(ctx, publisher, status)

		s.mu.Lock()
		if s.statuses[run.ID] == done {
			delete(s.statuses, run.ID)
		}
		s.mu.Unlock()
	}()

	return done
}

func (s *Scheduler) save(run *store.Run) {
	if err := s.store.UpdateRun(run); err != nil {
		logger.WithError(err).WithField("run_id", run.ID).Warn("unable to save run")
	}
}

// scope builds the parameters visible to a run of def on agent. Later
// layers win: settings params, pipeline params, build and agent builtins,
// then the trigger's params.
func (s *Scheduler) scope(def *pipeline.Definition, tc TriggerContext, agent *Agent, run *store.Run) *pipeline.Scope {
	builtins := map[string]string{
		"build.branch":  run.Branch,
		"build.commit":  run.Commit,
		"build.number":  strconv.Itoa(run.Number),
		"build.id":      run.ID,
		"pipeline.name": def.Name,
	}

	scope := pipeline.NewScope(s.cfg.Params, def.Params, builtins, agent.BuiltinParams(), tc.Params)
	if s.env != nil {
		scope.Env = s.env
	}

	return scope
}

func (s *Scheduler) registryAuth(ctx context.Context, login *pipeline.DockerLogin) (*executor.RegistryAuth, error) {
	if login == nil {
		return nil, nil
	}

	password, err := s.secrets.Resolve(ctx, login.Password)
	if err != nil {
		return nil, fmt.Errorf("registry credentials: %w", err)
	}

	return &executor.RegistryAuth{
		Server:   login.Registry,
		Username: login.Username,
		Password: password,
	}, nil
}

func stepNames(def *pipeline.Definition) []string {
	names := make([]string, len(def.Steps))
	for i, st := range def.Steps {
		names[i] = st.Name
	}

	return names
}
