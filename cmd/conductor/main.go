package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/run-ci/conductor/bus"
	api "github.com/run-ci/conductor/cmd/conductor/http"
	"github.com/run-ci/conductor/executor"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/reporter"
	"github.com/run-ci/conductor/scheduler"
	"github.com/run-ci/conductor/secrets"
	"github.com/run-ci/conductor/store"
	"github.com/run-ci/conductor/trigger"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "main")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		logger.WithError(err).Fatal("unable to load configuration")
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("defaulting log level to info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if cfg.JWTSecret == "" {
		logger.Warn("CONDUCTOR_JWT_SECRET not set - defaulting to \"\" (HIGHLY INSECURE!)")
	}

	logger.Info("booting server...")

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("shutting down server")
	}

	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config) error {
	logger.WithField("path", cfg.Settings).Info("loading settings")
	settings, err := pipeline.Load(cfg.Settings)
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Postgres)
	if err != nil {
		return err
	}

	resolver, err := newResolver(cfg.Secrets)
	if err != nil {
		return err
	}

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	agents, err := newAgents(settings.Agents)
	if err != nil {
		return err
	}

	metrics := scheduler.NewMetrics()
	sched, err := scheduler.New(ctx, scheduler.Options{
		Config: settings,
		Store:  st,
		Pool:   scheduler.NewAgentPool(agents...),
		Workspace: &executor.Workspace{
			Root:    cfg.DataDir,
			Secrets: resolver,
		},
		Stager: &reporter.Stager{
			Store:    artifacts,
			Internal: filepath.Join(cfg.DataDir, "internal"),
		},
		Secrets:   resolver,
		Metrics:   metrics,
		QueueSize: cfg.QueueSize,
		BaseURL:   cfg.BaseURL,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	events := make(chan trigger.Event, cfg.QueueSize)

	// Finished runs feed upstream triggers. Listeners can run on the
	// engine's goroutine (a run failed at admission), so the send mustn't
	// block it.
	sched.Subscribe(func(_ context.Context, r store.Run) {
		ev := trigger.Finished(r)
		go func() {
			select {
			case events <- ev:
			case <-gctx.Done():
			}
		}()
	})

	if cfg.NatsURL != "" {
		b, err := bus.Connect(ctx, cfg.NatsURL, 5)
		if err != nil {
			return err
		}
		defer b.Close()

		sched.Subscribe(b.RunFinished)
		g.Go(func() error {
			return b.Events(gctx, bus.SubjectEvents, events)
		})
	}

	cron, err := trigger.NewCron(settings, events)
	if err != nil {
		return err
	}

	engine := trigger.NewEngine(settings)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return engine.Run(gctx, events, sched)
	})

	if cron.Len() > 0 {
		g.Go(func() error {
			return cron.Run(gctx)
		})
	}

	if cfg.PollInterval > 0 {
		poller := &trigger.Poller{
			Roots:    roots(settings),
			Lister:   trigger.GitLister{Secrets: resolver},
			Interval: cfg.PollInterval,
			Events:   events,
		}

		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	srv := api.NewServer(cfg.Addr, settings, st, sched, events, metrics.Registry, cfg.JWTSecret)

	g.Go(func() error {
		logger.WithField("addr", cfg.Addr).Info("listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(cfg Postgres) (store.RunStore, error) {
	if cfg.Href == "" {
		logger.Warn("CONDUCTOR_POSTGRES_HREF not set - keeping runs in memory")
		return store.NewMemory(), nil
	}

	logger.Info("connecting to database")
	st, err := store.NewPostgres(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating postgres: %w", err)
	}

	return st, nil
}

func newResolver(cfg Secrets) (secrets.Resolver, error) {
	if cfg.Provider == "vault" {
		logger.WithField("addr", cfg.Vault.Addr).Info("resolving secrets from vault")
		return secrets.NewVault(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.Mount, cfg.Vault.Prefix)
	}

	return secrets.NewEnv(cfg.EnvPrefix), nil
}

func newArtifactStore(ctx context.Context, cfg Config) (reporter.Store, error) {
	if cfg.Artifacts.Store != "s3" {
		return reporter.NewLocalStore(filepath.Join(cfg.DataDir, "artifacts")), nil
	}

	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if cfg.Artifacts.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Artifacts.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.WithField("bucket", cfg.Artifacts.Bucket).Info("publishing artifacts to s3")

	return reporter.NewS3Store(client, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix), nil
}

func newAgents(specs []pipeline.AgentSpec) ([]*scheduler.Agent, error) {
	agents := make([]*scheduler.Agent, 0, len(specs))

	for _, spec := range specs {
		agent := &scheduler.Agent{
			Name:   spec.Name,
			Image:  spec.Image,
			Params: spec.Params,
		}

		switch spec.Runner {
		case "docker":
			r, err := executor.NewDockerRunner(spec.Image)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", spec.Name, err)
			}
			agent.Runner = r
		default:
			agent.Runner = executor.ShellRunner{WaitDelay: 10 * time.Second}
		}

		agents = append(agents, agent)
	}

	if len(agents) == 0 {
		return nil, errors.New("no agents configured")
	}

	return agents, nil
}

func roots(cfg *pipeline.Config) []*pipeline.VcsRoot {
	out := make([]*pipeline.VcsRoot, 0, len(cfg.Roots))
	for _, root := range cfg.Roots {
		out = append(out, root)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}
