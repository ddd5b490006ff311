package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/spadeval/metrics"
)

// setupTestDB creates an in-memory database with the results schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := InitializeSchema(db); err != nil {
		t.Fatalf("InitializeSchema() error = %v", err)
	}
	return db
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := InitializeSchema(db); err != nil {
		t.Errorf("second InitializeSchema() error = %v", err)
	}
	for _, table := range []string{"runs", "frames"} {
		var n int
		_ = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if n != 1 {
			t.Errorf("table %s not created", table)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)

	r := &Run{Option: "SPADnet", Model: "SPADnet", Noise: 3, Checkpoint: "/ckpt/n3.npz"}
	if err := CreateRun(db, r); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if r.ID == "" {
		t.Fatal("CreateRun() should assign an ID")
	}
	if r.Status != RunRunning {
		t.Errorf("Status = %q; want %q", r.Status, RunRunning)
	}

	summary := metrics.Summary{metrics.RMSE: 0.25, metrics.Delta1: 0.9}
	if err := FinishRun(db, r.ID, summary, 2, 1000); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := GetRun(db, r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun() = %v, %v", got, err)
	}
	if got.Status != RunCompleted {
		t.Errorf("Status = %q; want %q", got.Status, RunCompleted)
	}
	if got.Frames != 2 || got.ValidPixels != 1000 {
		t.Errorf("Frames/ValidPixels = %d/%d; want 2/1000", got.Frames, got.ValidPixels)
	}
	if got.Metrics[metrics.RMSE] != 0.25 || got.Metrics[metrics.Delta1] != 0.9 {
		t.Errorf("Metrics = %v; want %v", got.Metrics, summary)
	}
	if got.FinishedAt.IsZero() {
		t.Error("FinishedAt should be set")
	}
	if got.Noise != 3 || got.Checkpoint != "/ckpt/n3.npz" {
		t.Errorf("Noise/Checkpoint = %d/%q", got.Noise, got.Checkpoint)
	}
}

func TestFailRun(t *testing.T) {
	db := setupTestDB(t)

	r := &Run{Option: "o", Model: "LogArgmax", Noise: 1, Checkpoint: "c"}
	if err := CreateRun(db, r); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := FailRun(db, r.ID, errors.New("boom")); err != nil {
		t.Fatalf("FailRun() error = %v", err)
	}
	got, _ := GetRun(db, r.ID)
	if got.Status != RunError || got.Error != "boom" {
		t.Errorf("Status/Error = %q/%q; want %q/boom", got.Status, got.Error, RunError)
	}
	if got.Metrics != nil {
		t.Errorf("Metrics = %v; want nil", got.Metrics)
	}
}

func TestUpdateUnknownRun(t *testing.T) {
	db := setupTestDB(t)
	if err := FinishRun(db, "missing", metrics.Summary{}, 0, 0); err == nil {
		t.Error("FinishRun() of an unknown run should fail")
	}
	if err := FailRun(db, "missing", nil); err == nil {
		t.Error("FailRun() of an unknown run should fail")
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := setupTestDB(t)
	got, err := GetRun(db, "missing")
	if err != nil || got != nil {
		t.Errorf("GetRun() = %v, %v; want nil, nil", got, err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := setupTestDB(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, noise := range []int{1, 2, 3} {
		r := &Run{Option: "o", Model: "m", Noise: noise, Checkpoint: "c", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := CreateRun(db, r); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	runs, err := ListRuns(db)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("ListRuns() returned %d runs; want 3", len(runs))
	}
	for i, want := range []int{3, 2, 1} {
		if runs[i].Noise != want {
			t.Errorf("runs[%d].Noise = %d; want %d", i, runs[i].Noise, want)
		}
	}
}

func TestFramesForRun(t *testing.T) {
	db := setupTestDB(t)

	r := &Run{Option: "o", Model: "m", Noise: 1, Checkpoint: "c"}
	if err := CreateRun(db, r); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	other := &Run{Option: "o", Model: "m", Noise: 2, Checkpoint: "c"}
	if err := CreateRun(db, other); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	frames := []Frame{
		{RunID: r.ID, Index: 1, Filename: "b.npy", ValidPixels: 20, RMSE: 0.2, Delta1: 0.8, RelAbsDiff: 0.1},
		{RunID: r.ID, Index: 0, Filename: "a.npy", ValidPixels: 10, RMSE: 0.1, Delta1: 0.9, RelAbsDiff: 0.05, BoundaryHits: 4},
		{RunID: other.ID, Index: 0, Filename: "c.npy", ValidPixels: 5, RMSE: 0.3},
	}
	for _, f := range frames {
		if err := AddFrame(db, f); err != nil {
			t.Fatalf("AddFrame() error = %v", err)
		}
	}

	got, err := FramesForRun(db, r.ID)
	if err != nil {
		t.Fatalf("FramesForRun() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FramesForRun() returned %d frames; want 2", len(got))
	}
	if got[0].Filename != "a.npy" || got[1].Filename != "b.npy" {
		t.Errorf("frames out of order: %q, %q", got[0].Filename, got[1].Filename)
	}
	if got[0].BoundaryHits != 4 || got[0].RMSE != 0.1 {
		t.Errorf("frame 0 = %+v", got[0])
	}
}
