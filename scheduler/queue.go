package scheduler

import (
	"context"
	"sync"

	"github.com/run-ci/conductor/pipeline"
)

// Job is a unit of work on a Queue. It is started once an idle agent
// satisfying Requirements is claimed for it.
type Job struct {
	Requirements []pipeline.Predicate

	// Run owns the agent it is given and must release it back to the
	// pool when done.
	Run func(ctx context.Context, a *Agent) error
	// Abort is called instead of Run when no agent can ever be claimed
	// for the job.
	Abort func(ctx context.Context, err error)
	// OnFail is called with the error Run returns, if any.
	OnFail func(error)
}

// Queue is a bounded job queue. Jobs leave the queue only once an agent
// is free for them, so a job waiting on a busy agent doesn't hold up jobs
// behind it that other agents could run.
type Queue struct {
	mu   sync.Mutex
	size int
	jobs []Job
	wake chan struct{}
}

// NewQueue returns a queue holding at most size waiting jobs.
func NewQueue(size int) *Queue {
	return &Queue{
		size: size,
		wake: make(chan struct{}, 1),
	}
}

// Enqueue adds a job without blocking. It reports false if the queue is
// full.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) >= q.size {
		return false
	}
	q.jobs = append(q.jobs, job)

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return true
}

// Len is the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.jobs)
}

// Run hands queued jobs to agents from pool until ctx is done, then waits
// for started jobs to return. Jobs still queued at that point are dropped.
func (q *Queue) Run(ctx context.Context, pool *AgentPool) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		released := pool.Released()
		q.dispatch(ctx, pool, &wg)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-released:
		}
	}
}

// dispatch starts every queued job an idle agent can take, oldest first.
func (q *Queue) dispatch(ctx context.Context, pool *AgentPool, wg *sync.WaitGroup) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := q.jobs[:0]
	for _, job := range q.jobs {
		agent, err := pool.TryAcquire(job.Requirements)
		switch {
		case err != nil:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if job.Abort != nil {
					job.Abort(ctx, err)
				}
			}()
		case agent == nil:
			waiting = append(waiting, job)
		default:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := job.Run(ctx, agent); err != nil && job.OnFail != nil {
					job.OnFail(err)
				}
			}()
		}
	}

	for i := len(waiting); i < len(q.jobs); i++ {
		q.jobs[i] = Job{}
	}
	q.jobs = waiting
}
