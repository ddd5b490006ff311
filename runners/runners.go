// Package runners executes queued jobs one at a time using the task registry.
package runners

import (
	"context"
	"sync"
	"time"

	"github.com/stevecastle/spadeval/jobqueue"
	"github.com/stevecastle/spadeval/tasks"
)

// pollInterval is how often Wait re-checks the queue.
const pollInterval = 50 * time.Millisecond

// Runners claims jobs from a queue and runs them sequentially.
type Runners struct {
	queue   *jobqueue.Queue
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Runners instance listening for queue signals.
func New(queue *jobqueue.Queue) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops listening for new jobs. Running jobs are not interrupted.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// CheckForJobs starts the next claimable job if none is running.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryFetchJobAndRun()
}

// Wait blocks until no job is running and none can be claimed. When ctx is
// cancelled every unfinished job is cancelled, Wait lets the running one
// wind down and returns ctx.Err().
func (r *Runners) Wait(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		r.mu.Lock()
		r.tryFetchJobAndRun()
		idle := r.running == 0
		r.mu.Unlock()
		if idle {
			return ctx.Err()
		}

		select {
		case <-done:
			r.queue.CancelAll()
			done = nil
		case <-ticker.C:
		}
	}
}

// runJob starts a single job in a separate goroutine. Once it completes,
// we decrement the running count and attempt to fetch the next job.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	go func() {
		defer func() {
			r.mu.Lock()
			r.running--
			r.tryFetchJobAndRun()
			r.mu.Unlock()
		}()

		task, exists := tasks.GetTasks()[j.Command]
		if !exists {
			_ = r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			_ = r.queue.ErrorJob(j.ID)
			return
		}

		err := task.Fn(j, r.queue, &r.mu)
		// Tasks normally settle their own state; settle it here if one did not.
		if cur := r.queue.GetJob(j.ID); cur == nil || cur.State != jobqueue.StateInProgress {
			return
		}
		switch {
		case err == nil:
			_ = r.queue.CompleteJob(j.ID)
		case j.Ctx.Err() != nil:
			_ = r.queue.CancelJob(j.ID)
		default:
			_ = r.queue.PushJobStdout(j.ID, err.Error())
			_ = r.queue.ErrorJob(j.ID)
		}
	}()
}

// tryFetchJobAndRun claims the next job if nothing is running. Callers hold r.mu.
func (r *Runners) tryFetchJobAndRun() {
	if r.running > 0 {
		return
	}
	job, err := r.queue.ClaimJob()
	if err != nil || job == nil {
		return
	}
	r.runJob(job)
}
