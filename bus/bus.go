package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go"
	"github.com/run-ci/conductor/store"
	"github.com/run-ci/conductor/trigger"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "bus",
	})
}

const (
	// SubjectEvents carries trigger events into the service.
	SubjectEvents = "conductor.events"
	// SubjectRunsFinished carries an upstream event for every finished run.
	SubjectRunsFinished = "conductor.runs.finished"
)

// Conn is the part of a NATS connection the bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// Bus moves trigger events over NATS.
type Bus struct {
	conn Conn
}

// New returns a bus on an existing connection.
func New(conn Conn) *Bus {
	return &Bus{conn: conn}
}

// Connect dials the NATS server at url, retrying with back-off until
// attempts run out or ctx is done.
func Connect(ctx context.Context, url string, attempts uint) (*Bus, error) {
	logger := logger.WithField("url", url)

	conn, err := retry.DoWithData(
		func() (*nats.Conn, error) {
			return nats.Connect(url,
				nats.Name("conductor"),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second),
			)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).Warnf("connect attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	logger.Info("connected to nats")

	return New(conn), nil
}

// Close closes the connection.
func (b *Bus) Close() {
	b.conn.Close()
}

// Publish sends ev on subject as JSON.
func (b *Bus) Publish(subject string, ev trigger.Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := b.conn.Publish(subject, buf); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	return nil
}

// RunFinished publishes the upstream event for r. Its signature matches
// scheduler.Listener.
func (b *Bus) RunFinished(_ context.Context, r store.Run) {
	logger := logger.WithFields(log.Fields{
		"run_id":   r.ID,
		"pipeline": r.Pipeline,
		"status":   r.Status,
	})

	if err := b.Publish(SubjectRunsFinished, trigger.Finished(r)); err != nil {
		logger.WithError(err).Warn("unable to publish finished run")
		return
	}

	logger.Debug("published finished run")
}

// Events forwards the events arriving on subject to out until ctx is done.
// Messages that don't decode are logged and dropped.
func (b *Bus) Events(ctx context.Context, subject string, out chan<- trigger.Event) error {
	logger := logger.WithField("subject", subject)

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev trigger.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.WithError(err).Warn("dropping undecodable event")
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}

		logger.WithFields(log.Fields{
			"kind":   ev.Kind,
			"branch": ev.Branch,
		}).Debug("received event")

		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("listening for events")

	<-ctx.Done()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			logger.WithError(err).Debug("unable to unsubscribe")
		}
	}

	return ctx.Err()
}
