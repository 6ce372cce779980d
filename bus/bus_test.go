package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/run-ci/conductor/store"
	"github.com/run-ci/conductor/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu         sync.Mutex
	published  map[string][][]byte
	handlers   map[string]nats.MsgHandler
	subscribed chan struct{}
	failPub    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		published:  map[string][][]byte{},
		handlers:   map[string]nats.MsgHandler{},
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPub != nil {
		return f.failPub
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handlers[subject] = cb
	f.mu.Unlock()

	f.subscribed <- struct{}{}
	return nil, nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) deliver(subject string, data []byte) {
	f.mu.Lock()
	cb := f.handlers[subject]
	f.mu.Unlock()

	cb(&nats.Msg{Subject: subject, Data: data})
}

func TestRunFinished(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	end := time.Now()
	b.RunFinished(context.Background(), store.Run{
		ID:       "r1",
		Number:   2,
		Pipeline: "Build",
		Status:   store.StatusSucceeded,
		Branch:   "refs/heads/main",
		Commit:   "abc",
		End:      &end,
	})

	require.Len(t, conn.published[SubjectRunsFinished], 1)

	var ev trigger.Event
	require.NoError(t, json.Unmarshal(conn.published[SubjectRunsFinished][0], &ev))
	assert.Equal(t, trigger.KindUpstream, ev.Kind)
	assert.Equal(t, "refs/heads/main", ev.Branch)
	require.NotNil(t, ev.Upstream)
	assert.Equal(t, "Build", ev.Upstream.Pipeline)
	assert.Equal(t, store.StatusSucceeded, ev.Upstream.Status)
	assert.Equal(t, 2, ev.Upstream.Number)
}

func TestRunFinishedPublishError(t *testing.T) {
	conn := newFakeConn()
	conn.failPub = errors.New("nats: connection closed")

	// logged, never fatal
	New(conn).RunFinished(context.Background(), store.Run{ID: "r1"})
	assert.Empty(t, conn.published)
}

func TestEvents(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	out := make(chan trigger.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.Events(ctx, SubjectEvents, out) }()

	<-conn.subscribed

	conn.deliver(SubjectEvents, []byte(`not json`))
	conn.deliver(SubjectEvents, []byte(`{"kind":"vcs","root":"MonolithRepo","branch":"refs/heads/main","commit":"abc"}`))

	select {
	case ev := <-out:
		assert.Equal(t, trigger.KindVCS, ev.Kind)
		assert.Equal(t, "MonolithRepo", ev.Root)
		assert.Equal(t, "abc", ev.Commit)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not forwarded")
	}
	assert.Empty(t, out)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}
