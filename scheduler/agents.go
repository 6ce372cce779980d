package scheduler

import (
	"strings"
	"sync"

	"github.com/run-ci/conductor/executor"
	"github.com/run-ci/conductor/pipeline"
	log "github.com/sirupsen/logrus"
)

// Agent is somewhere runs execute. An agent runs one run at a time.
type Agent struct {
	Name   string
	Image  string
	Params map[string]string
	Runner executor.Runner
}

// Lookup resolves requirement parameters against the agent. "agent.name"
// is the agent's name and "agent.<param>" is the same as "<param>".
func (a *Agent) Lookup(name string) (string, bool) {
	if name == "agent.name" {
		return a.Name, true
	}

	v, ok := a.Params[strings.TrimPrefix(name, "agent.")]
	return v, ok
}

// BuiltinParams are the parameters an agent contributes to a run's scope.
func (a *Agent) BuiltinParams() map[string]string {
	out := map[string]string{"agent.name": a.Name}
	for k, v := range a.Params {
		out[k] = v
		out["agent."+k] = v
	}

	return out
}

// AgentPool hands out agents to runs.
type AgentPool struct {
	mu       sync.Mutex
	agents   []*Agent
	busy     map[string]bool
	released chan struct{}
}

// NewAgentPool returns a pool of idle agents.
func NewAgentPool(agents ...*Agent) *AgentPool {
	return &AgentPool{
		agents:   agents,
		busy:     map[string]bool{},
		released: make(chan struct{}),
	}
}

// Size is the number of agents in the pool.
func (p *AgentPool) Size() int {
	return len(p.agents)
}

// Busy is the number of agents currently claimed.
func (p *AgentPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.busy)
}

// Compatible returns the agents satisfying every requirement, busy or not.
func (p *AgentPool) Compatible(reqs []pipeline.Predicate) ([]*Agent, error) {
	var out []*Agent
	for _, a := range p.agents {
		ok, err := pipeline.All(reqs, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}

	return out, nil
}

// TryAcquire claims the first idle agent satisfying reqs. It returns a nil
// agent if every compatible agent is busy, and ErrNoAgent if no agent in
// the pool satisfies reqs.
func (p *AgentPool) TryAcquire(reqs []pipeline.Predicate) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	compatible := false
	for _, a := range p.agents {
		ok, err := pipeline.All(reqs, a)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		compatible = true
		if !p.busy[a.Name] {
			p.busy[a.Name] = true

			logger.WithField("agent", a.Name).Debug("acquired agent")
			return a, nil
		}
	}
	if !compatible {
		return nil, ErrNoAgent
	}

	return nil, nil
}

// Released returns a channel that is closed the next time an agent goes
// back to the pool.
func (p *AgentPool) Released() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.released
}

// Release returns an agent to the pool and wakes up the queue.
func (p *AgentPool) Release(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, a.Name)
	close(p.released)
	p.released = make(chan struct{})

	logger.WithFields(log.Fields{
		"agent": a.Name,
	}).Debug("released agent")
}
