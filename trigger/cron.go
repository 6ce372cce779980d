package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/run-ci/conductor/pipeline"
	log "github.com/sirupsen/logrus"
)

// Cron emits schedule events for every schedule trigger.
type Cron struct {
	cron   *cron.Cron
	events chan<- Event
}

// NewCron registers the schedule triggers of cfg. Events are sent on
// events when their schedule comes due.
func NewCron(cfg *pipeline.Config, events chan<- Event) (*Cron, error) {
	c := &Cron{
		cron:   cron.New(),
		events: events,
	}

	for _, def := range cfg.Pipelines {
		for _, t := range def.Triggers {
			if t.Kind != pipeline.TriggerSchedule {
				continue
			}

			_, err := c.cron.AddFunc(t.Schedule, c.job(def, t))
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: schedule %q: %w", def.Name, t.Schedule, err)
			}

			logger.WithFields(log.Fields{
				"pipeline": def.Name,
				"schedule": t.Schedule,
				"branch":   t.Branch,
			}).Debug("registered schedule")
		}
	}

	return c, nil
}

// Len is the number of registered schedules.
func (c *Cron) Len() int {
	return len(c.cron.Entries())
}

func (c *Cron) job(def *pipeline.Definition, t pipeline.Trigger) func() {
	branch := t.Branch
	if branch == "" && def.Root != nil {
		branch = def.Root.Branch
	}

	return func() {
		ev := Event{
			Kind:     KindSchedule,
			Pipeline: def.Name,
			Branch:   branch,
			Time:     time.Now(),
		}

		select {
		case c.events <- ev:
		default:
			logger.WithField("pipeline", def.Name).Warn("event channel full, dropping scheduled run")
		}
	}
}

// Run runs the schedules until ctx is done.
func (c *Cron) Run(ctx context.Context) error {
	c.cron.Start()
	<-ctx.Done()
	<-c.cron.Stop().Done()

	return ctx.Err()
}
