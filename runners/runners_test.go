package runners

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/spadeval/jobqueue"
	"github.com/stevecastle/spadeval/tasks"
)

var (
	active    int32
	maxActive int32
)

func init() {
	tasks.RegisterTask("test-sleep", "Sleep", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		defer atomic.AddInt32(&active, -1)

		select {
		case <-j.Ctx.Done():
			return j.Ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		q.PushJobStdout(j.ID, "slept")
		return q.CompleteJob(j.ID)
	})
	tasks.RegisterTask("test-fail", "Fail", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return errors.New("task failed")
	})
	tasks.RegisterTask("test-block", "Block", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		<-j.Ctx.Done()
		return j.Ctx.Err()
	})
}

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestNewRunners verifies runner creation
func TestNewRunners(t *testing.T) {
	q := setupTestQueue(t)

	r := New(q)
	if r == nil {
		t.Fatal("New() returned nil")
	}
	if r.queue != q {
		t.Error("Runners queue not set correctly")
	}
	if r.ctx == nil || r.cancel == nil {
		t.Error("Runners context not initialized")
	}
	r.Shutdown()
}

// TestRunnersDoubleShutdown ensures shutdown can be called multiple times safely
func TestRunnersDoubleShutdown(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q)
	r.Shutdown()

	defer func() {
		if recover() != nil {
			t.Error("Double shutdown caused panic")
		}
	}()
	r.Shutdown()
}

func TestWaitEmptyQueue(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q)
	defer r.Shutdown()

	if err := r.Wait(waitCtx(t)); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestRunsJobsSequentially(t *testing.T) {
	q := setupTestQueue(t)
	atomic.StoreInt32(&maxActive, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := q.AddJob("", "test-sleep", nil, "", nil)
		ids = append(ids, id)
	}

	r := New(q)
	defer r.Shutdown()
	if err := r.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	for _, id := range ids {
		job := q.GetJob(id)
		if job.State != jobqueue.StateCompleted {
			t.Errorf("job %s state = %v; want Completed", id, job.State)
		}
	}
	if m := atomic.LoadInt32(&maxActive); m != 1 {
		t.Errorf("max concurrent jobs = %d; want 1", m)
	}
	// FIFO: each job was claimed no earlier than the previous one completed
	for i := 1; i < len(ids); i++ {
		prev, cur := q.GetJob(ids[i-1]), q.GetJob(ids[i])
		if cur.ClaimedAt.Before(prev.CompletedAt) {
			t.Errorf("job %d started before job %d finished", i, i-1)
		}
	}
}

func TestUnknownTask(t *testing.T) {
	q := setupTestQueue(t)
	id, _ := q.AddJob("", "this-task-does-not-exist", nil, "", nil)

	r := New(q)
	defer r.Shutdown()
	if err := r.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	job := q.GetJob(id)
	if job.State != jobqueue.StateError {
		t.Fatalf("job state = %v; want Error", job.State)
	}
	found := false
	for _, line := range job.Stdout {
		if line == "Task not found: this-task-does-not-exist" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'Task not found' message in stdout; got %v", job.Stdout)
	}
}

func TestFailedTaskCancelsDependents(t *testing.T) {
	q := setupTestQueue(t)
	parent, _ := q.AddJob("", "test-fail", nil, "", nil)
	child, _ := q.AddJob("", "test-sleep", nil, "", []string{parent})
	other, _ := q.AddJob("", "test-sleep", nil, "", nil)

	r := New(q)
	defer r.Shutdown()
	if err := r.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := map[string]jobqueue.JobState{
		parent: jobqueue.StateError,
		child:  jobqueue.StateCancelled,
		other:  jobqueue.StateCompleted,
	}
	for id, state := range want {
		if got := q.GetJob(id).State; got != state {
			t.Errorf("job %s state = %v; want %v", id, got, state)
		}
	}
}

func TestWaitCancellation(t *testing.T) {
	q := setupTestQueue(t)
	blocked, _ := q.AddJob("", "test-block", nil, "", nil)
	queued, _ := q.AddJob("", "test-sleep", nil, "", nil)

	r := New(q)
	defer r.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- r.Wait(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() error = %v; want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after cancellation")
	}

	for _, id := range []string{blocked, queued} {
		if got := q.GetJob(id).State; got != jobqueue.StateCancelled {
			t.Errorf("job %s state = %v; want Cancelled", id, got)
		}
	}
}
