package store

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Memory is a RunStore that keeps everything in process. It's used by tests
// and when no database is configured.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]Run
	pipelines map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      map[string]Run{},
		pipelines: map[string][]string{},
	}
}

// CreateRun implements RunStore.
func (m *Memory) CreateRun(r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Number = len(m.pipelines[r.Pipeline]) + 1

	m.runs[r.ID] = r.clone()
	m.pipelines[r.Pipeline] = append(m.pipelines[r.Pipeline], r.ID)

	logger.WithFields(log.Fields{
		"store":    "memory",
		"run_id":   r.ID,
		"pipeline": r.Pipeline,
		"number":   r.Number,
	}).Debug("run saved")

	return nil
}

// UpdateRun implements RunStore.
func (m *Memory) UpdateRun(r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[r.ID] = r.clone()

	return nil
}

// GetRun implements RunStore.
func (m *Memory) GetRun(id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}

	return r.clone(), nil
}

// GetRuns implements RunStore.
func (m *Memory) GetRuns(pipeline string) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.pipelines[pipeline]
	runs := make([]Run, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		runs = append(runs, m.runs[ids[i]].clone())
	}

	return runs, nil
}
