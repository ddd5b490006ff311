package tasks

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/deps"
	"github.com/stevecastle/spadeval/jobqueue"
)

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

// withConfig installs cfg as the loaded config for the test.
func withConfig(t *testing.T, cfg appconfig.Config) {
	t.Helper()
	prev := appconfig.Get()
	appconfig.Set(cfg)
	t.Cleanup(func() { appconfig.Set(prev) })
}

// runTask queues a single job, claims it and runs its task directly.
func runTask(t *testing.T, q *jobqueue.Queue, command, input string) (*jobqueue.Job, error) {
	t.Helper()
	id, err := q.AddJob("", command, nil, input, nil)
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	j, err := q.ClaimJob()
	if err != nil || j == nil || j.ID != id {
		t.Fatalf("ClaimJob() = %v, %v; want job %s", j, err, id)
	}
	runErr := GetTasks()[command].Fn(j, q, &sync.Mutex{})
	return q.GetJob(id), runErr
}

func hasLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestFetchTaskLocalFile(t *testing.T) {
	dir := t.TempDir()
	withConfig(t, appconfig.Config{CacheDir: filepath.Join(dir, "cache")})
	src := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(src, []byte("a/spad_1.npy\n"), 0644); err != nil {
		t.Fatal(err)
	}

	q := setupTestQueue(t)
	job, err := runTask(t, q, FetchTask, src)
	if err != nil {
		t.Fatalf("fetch error = %v", err)
	}
	if job.State != jobqueue.StateCompleted {
		t.Errorf("job state = %v; want Completed", job.State)
	}
	if !hasLine(job.Stdout, src+" is at "+src) {
		t.Errorf("stdout = %v; want local path", job.Stdout)
	}
}

func TestFetchTaskErrors(t *testing.T) {
	withConfig(t, appconfig.Config{CacheDir: t.TempDir()})

	tests := []struct {
		name  string
		input string
	}{
		{"empty", "  "},
		{"missing", filepath.Join(t.TempDir(), "nope.npz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := setupTestQueue(t)
			job, err := runTask(t, q, FetchTask, tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if job.State != jobqueue.StateError {
				t.Errorf("job state = %v; want Error", job.State)
			}
		})
	}
}

func TestEvaluateTaskRejectsUnknownLevel(t *testing.T) {
	withConfig(t, appconfig.Config{
		Option: "SPADnet",
		Noise:  []appconfig.NoiseLevel{{Index: 1, Checkpoint: "ckpt1.npz"}},
	})

	tests := []struct {
		input string
		want  string
	}{
		{"x", "invalid noise level"},
		{"7", "noise level 7 is not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			q := setupTestQueue(t)
			job, err := runTask(t, q, EvaluateTask, tt.input)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v; want %q", err, tt.want)
			}
			if job.State != jobqueue.StateError {
				t.Errorf("job state = %v; want Error", job.State)
			}
			if !hasLine(job.Stdout, "Evaluation failed") {
				t.Errorf("stdout = %v", job.Stdout)
			}
		})
	}
}

func TestInstallRuntimeUnknownDependency(t *testing.T) {
	q := setupTestQueue(t)
	job, err := runTask(t, q, InstallRuntimeTask, "no-such-dependency")
	if err == nil {
		t.Fatal("expected error")
	}
	if job.State != jobqueue.StateError {
		t.Errorf("job state = %v; want Error", job.State)
	}
	if !hasLine(job.Stdout, "Unknown dependency: no-such-dependency") {
		t.Errorf("stdout = %v", job.Stdout)
	}
}

func TestInstallRuntimeMissingManualDependency(t *testing.T) {
	// Sorts before the real runtime so it is attempted first.
	deps.Register(&deps.Dependency{
		ID:          "a-manual-runtime",
		Name:        "Manual Runtime",
		Description: "test dependency without an installer",
		Check: func(ctx context.Context) (bool, string, error) {
			return false, "", nil
		},
	})

	q := setupTestQueue(t)
	job, err := runTask(t, q, InstallRuntimeTask, "")
	if err == nil || !strings.Contains(err.Error(), "must be installed manually") {
		t.Fatalf("error = %v; want manual install error", err)
	}
	if job.State != jobqueue.StateError {
		t.Errorf("job state = %v; want Error", job.State)
	}
	if !hasLine(job.Stdout, "Installing Manual Runtime") {
		t.Errorf("stdout = %v", job.Stdout)
	}
}

func workflowConfig() appconfig.Config {
	return appconfig.Config{
		Noise: []appconfig.NoiseLevel{
			{Index: 1, Checkpoint: "s3://bucket/ckpt1.npz"},
			{Index: 2, Checkpoint: "/local/ckpt2.npz"},
		},
		TestFiles:    "https://example.com/test.txt",
		SpadDatapath: "s3://bucket/spad.tar.gz",
		MonoDatapath: "/data/mono",
	}
}

func TestEvaluationWorkflow(t *testing.T) {
	w := EvaluationWorkflow(workflowConfig(), false)

	var fetches, evals []jobqueue.WorkflowTask
	for _, task := range w.Tasks {
		switch task.Command {
		case FetchTask:
			fetches = append(fetches, task)
		case EvaluateTask:
			evals = append(evals, task)
		default:
			t.Errorf("unexpected task %q", task.Command)
		}
	}

	// ckpt1, test.txt and spad.tar.gz; shared sources are fetched once.
	if len(fetches) != 3 {
		t.Fatalf("got %d fetch tasks; want 3", len(fetches))
	}
	if len(evals) != 2 {
		t.Fatalf("got %d evaluate tasks; want 2", len(evals))
	}
	if evals[0].Input != "1" || evals[1].Input != "2" {
		t.Errorf("evaluate inputs = %q, %q; want 1, 2", evals[0].Input, evals[1].Input)
	}
	if len(evals[0].Dependencies) != 3 {
		t.Errorf("level 1 depends on %d jobs; want 3", len(evals[0].Dependencies))
	}
	if len(evals[1].Dependencies) != 2 {
		t.Errorf("level 2 depends on %d jobs; want 2", len(evals[1].Dependencies))
	}
}

func TestEvaluationWorkflowInstallsRuntimeFirst(t *testing.T) {
	cfg := workflowConfig()
	cfg.Noise = cfg.Noise[1:]
	cfg.TestFiles, cfg.SpadDatapath = "/data/test.txt", "/data/spad"

	w := EvaluationWorkflow(cfg, true)
	if len(w.Tasks) != 2 {
		t.Fatalf("got %d tasks; want 2", len(w.Tasks))
	}
	if w.Tasks[0].Command != InstallRuntimeTask {
		t.Errorf("first task = %q; want %q", w.Tasks[0].Command, InstallRuntimeTask)
	}
	needs := w.Tasks[1].Dependencies
	if len(needs) != 1 || needs[0] != w.Tasks[0].ID {
		t.Errorf("evaluate dependencies = %v; want [%s]", needs, w.Tasks[0].ID)
	}
}

func TestEnqueueEvaluation(t *testing.T) {
	q := setupTestQueue(t)
	ids, err := EnqueueEvaluation(q, workflowConfig(), false)
	if err != nil {
		t.Fatalf("EnqueueEvaluation() error = %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("got %d jobs; want 5", len(ids))
	}
	if n := q.Unfinished(); n != 5 {
		t.Errorf("Unfinished() = %d; want 5", n)
	}
	// Only fetches are claimable before anything completes.
	j, _ := q.ClaimJob()
	if j == nil || j.Command != FetchTask {
		t.Errorf("first claimed job = %v; want a fetch", j)
	}
}

// pendingEvaluations counts pending evaluate jobs for a noise level.
func pendingEvaluations(q *jobqueue.Queue, level string) int {
	n := 0
	for _, j := range q.GetJobs() {
		if j.Command == EvaluateTask && j.Input == level && j.State == jobqueue.StatePending {
			n++
		}
	}
	return n
}

func TestEnqueueEvaluationAfterRestart(t *testing.T) {
	cfg := appconfig.Config{
		Option:       "SPADnet",
		Noise:        []appconfig.NoiseLevel{{Index: 1, Checkpoint: "/local/ckpt1.npz"}},
		TestFiles:    "/data/test.txt",
		SpadDatapath: "/data/spad",
		MonoDatapath: "/data/mono",
	}
	q := setupTestQueue(t)
	if _, err := EnqueueEvaluation(q, cfg, false); err != nil {
		t.Fatalf("EnqueueEvaluation() error = %v", err)
	}
	running, _ := q.ClaimJob()
	if running == nil || running.Command != EvaluateTask {
		t.Fatalf("claimed %v; want the level 1 evaluation", running)
	}

	// The process dies mid-evaluation; the next one loads the same database.
	q2 := jobqueue.NewQueueWithDB(q.Db)
	ids, err := EnqueueEvaluation(q2, cfg, false)
	if err != nil {
		t.Fatalf("EnqueueEvaluation() after restart error = %v", err)
	}
	if len(ids) != 1 || ids[0] != running.ID {
		t.Errorf("ids = %v; want the resumed job [%s]", ids, running.ID)
	}
	if n := pendingEvaluations(q2, "1"); n != 1 {
		t.Errorf("pending evaluations of level 1 = %d; want 1", n)
	}
	if n := q2.Unfinished(); n != 1 {
		t.Errorf("Unfinished() = %d; want 1", n)
	}
}

func TestEnqueueEvaluationAfterRestartWithRemoteSources(t *testing.T) {
	q := setupTestQueue(t)
	first, err := EnqueueEvaluation(q, workflowConfig(), false)
	if err != nil {
		t.Fatalf("EnqueueEvaluation() error = %v", err)
	}
	j, _ := q.ClaimJob()
	if j == nil || j.Command != FetchTask {
		t.Fatalf("claimed %v; want a fetch", j)
	}

	q2 := jobqueue.NewQueueWithDB(q.Db)
	ids, err := EnqueueEvaluation(q2, workflowConfig(), false)
	if err != nil {
		t.Fatalf("EnqueueEvaluation() after restart error = %v", err)
	}
	// Both evaluations resume on their original fetches.
	if len(ids) != 2 {
		t.Errorf("got %d ids; want 2 resumed evaluations", len(ids))
	}
	if n := q2.Unfinished(); n != len(first) {
		t.Errorf("Unfinished() = %d; want %d", n, len(first))
	}
	for _, level := range []string{"1", "2"} {
		if n := pendingEvaluations(q2, level); n != 1 {
			t.Errorf("pending evaluations of level %s = %d; want 1", level, n)
		}
	}
}

func TestEnqueueEvaluationDropsStaleJobs(t *testing.T) {
	tests := []struct {
		name   string
		change func(*appconfig.Config)
		want   int // unfinished jobs after the second enqueue
	}{
		// A fresh level 1 and 2 plus their three fetches.
		{"other option", func(c *appconfig.Config) { c.Option = "SPADnet-mono" }, 5},
		// Level 2 resumes; ckpt1 is no longer fetched.
		{"level removed", func(c *appconfig.Config) { c.Noise = c.Noise[1:] }, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := workflowConfig()
			cfg.Option = "SPADnet"
			q := setupTestQueue(t)
			if _, err := EnqueueEvaluation(q, cfg, false); err != nil {
				t.Fatalf("EnqueueEvaluation() error = %v", err)
			}

			tt.change(&cfg)
			q2 := jobqueue.NewQueueWithDB(q.Db)
			if _, err := EnqueueEvaluation(q2, cfg, false); err != nil {
				t.Fatalf("EnqueueEvaluation() after restart error = %v", err)
			}
			if n := q2.Unfinished(); n != tt.want {
				t.Errorf("Unfinished() = %d; want %d", n, tt.want)
			}
			for _, j := range q2.GetJobs() {
				if j.Command == EvaluateTask && j.State == jobqueue.StatePending && jobOption(j) != cfg.Option {
					t.Errorf("evaluation %s still pending for option %s", j.ID, jobOption(j))
				}
			}
			if n := pendingEvaluations(q2, "1"); tt.name == "level removed" && n != 0 {
				t.Errorf("pending evaluations of removed level 1 = %d; want 0", n)
			}
		})
	}
}

func TestEvaluateTaskRejectsOtherOption(t *testing.T) {
	withConfig(t, appconfig.Config{
		Option: "SPADnet",
		Noise:  []appconfig.NoiseLevel{{Index: 1, Checkpoint: "ckpt1.npz"}},
	})
	q := setupTestQueue(t)
	id, _ := q.AddJob("", EvaluateTask, []string{"SPADnet-mono"}, "1", nil)
	j, _ := q.ClaimJob()

	err := evaluateTask(j, q, &sync.Mutex{})
	if err == nil || !strings.Contains(err.Error(), "queued for option SPADnet-mono") {
		t.Fatalf("error = %v; want option mismatch", err)
	}
	if s := q.GetJob(id).State; s != jobqueue.StateError {
		t.Errorf("job state = %v; want Error", s)
	}
}
