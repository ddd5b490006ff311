// Package evaluate runs a loaded model over the evaluation set: every frame
// is predicted patch by patch, saved, scored against ground truth and
// recorded, and the run's metrics are written once all frames are done.
package evaluate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/spadeval/dataset"
	"github.com/stevecastle/spadeval/metrics"
	"github.com/stevecastle/spadeval/npyfile"
	"github.com/stevecastle/spadeval/report"
	"github.com/stevecastle/spadeval/store"
	"github.com/stevecastle/spadeval/tiler"
	"github.com/stevecastle/spadeval/volume"
)

// Evaluator evaluates one checkpoint on one noise level.
type Evaluator struct {
	Stitcher *tiler.Stitcher
	Loader   *dataset.Loader

	SpadDatapath string
	OutDatapath  string
	MatricesOut  string

	// DB receives the run and its frames; nil skips recording.
	DB   *sql.DB
	Info store.Run
	// ReportDir receives plots and a depth preview; empty skips the report.
	ReportDir string

	// Logf defaults to log.Printf.
	Logf func(format string, args ...interface{})
}

// Result summarizes a finished run.
type Result struct {
	RunID        string
	Summary      metrics.Summary
	Frames       int
	ValidPixels  int
	BoundaryHits int
	ReportFiles  []string
}

func (e *Evaluator) logf(format string, args ...interface{}) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// run holds the state of one Run call.
type run struct {
	acc      *metrics.Accumulator
	frames   []store.Frame
	hits     int
	made     map[string]bool
	pred, gt *volume.DepthMap
}

// Run evaluates every sample in order. Any failure aborts the run; the run
// is then recorded as failed and the error returned.
func (e *Evaluator) Run(ctx context.Context) (Result, error) {
	if err := os.MkdirAll(e.OutDatapath, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	info := e.Info
	if e.DB != nil {
		if err := store.CreateRun(e.DB, &info); err != nil {
			return Result{}, err
		}
	}

	res, err := e.run(ctx, &info)
	res.RunID = info.ID
	if err != nil && e.DB != nil {
		if ferr := store.FailRun(e.DB, info.ID, err); ferr != nil {
			log.Printf("Failed to record run failure: %v", ferr)
		}
	}
	return res, err
}

func (e *Evaluator) run(ctx context.Context, info *store.Run) (Result, error) {
	st := &run{acc: metrics.NewAccumulator(), made: make(map[string]bool)}

	e.logf("=> Evaluating %s on %d samples", info.Model, len(e.Loader.Files()))
	it := e.Loader.Iter(ctx)
	defer it.Close()
	for it.Next() {
		for _, s := range it.Batch() {
			if err := e.frame(ctx, st, info.ID, s); err != nil {
				return Result{}, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	summary, err := st.acc.Finalize()
	if err != nil {
		return Result{}, err
	}
	if err := summary.WriteJSON(e.MatricesOut); err != nil {
		return Result{}, fmt.Errorf("failed to write metrics: %w", err)
	}
	e.logSummary(summary)
	if st.hits > 0 {
		e.logf("Warning: %d prior pixels fell on a bin edge and were up-projected into two bins", st.hits)
	}

	res := Result{
		Summary:      summary,
		Frames:       st.acc.Frames(),
		ValidPixels:  st.acc.ValidPixels(),
		BoundaryHits: st.hits,
	}
	if e.DB != nil {
		if err := store.FinishRun(e.DB, info.ID, summary, res.Frames, res.ValidPixels); err != nil {
			return res, err
		}
	}
	if e.ReportDir != "" {
		files, err := report.Write(e.ReportDir, *info, st.frames, st.pred, st.gt)
		if err != nil {
			log.Printf("Warning: failed to render report: %v", err)
		}
		res.ReportFiles = files
	}
	e.logf("=> Evaluation finished")
	return res, nil
}

// frame predicts, saves and scores one sample.
func (e *Evaluator) frame(ctx context.Context, st *run, runID string, s *volume.Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.logf("%s", s.Filename)

	pred, err := e.Stitcher.Frame(ctx, s.Spad, s.MonoPred)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Filename, err)
	}
	crop, err := metrics.Crop(pred.Height, pred.Width)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Filename, err)
	}
	predC, err := pred.Patch(crop)
	if err != nil {
		return err
	}
	gtC, err := s.Depth.Patch(crop)
	if err != nil {
		return err
	}
	maskC, err := s.Mask.Patch(crop)
	if err != nil {
		return err
	}

	outFile, subfolder, err := dataset.OutputFile(s.Filename, e.SpadDatapath, e.OutDatapath)
	if err != nil {
		return err
	}
	if !st.made[subfolder] {
		if err := os.MkdirAll(subfolder, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", subfolder, err)
		}
		st.made[subfolder] = true
	}
	if err := npyfile.WriteDense(outFile, predC.Dense()); err != nil {
		return err
	}

	fr, err := st.acc.Add(predC, gtC, maskC)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Filename, err)
	}
	hits := e.Stitcher.Binning.BoundaryHits(s.MonoPred)
	st.hits += hits
	if fr.ValidPixels == 0 {
		e.logf("%s has no valid pixels after cropping", s.Filename)
	} else {
		e.logf("%s rmse %.4f m, delta1 %.4f (%d px)", filepath.Base(outFile), fr.RMSE, fr.Delta1, fr.ValidPixels)
	}

	f := store.Frame{
		RunID:        runID,
		Index:        len(st.frames),
		Filename:     s.Filename,
		ValidPixels:  fr.ValidPixels,
		RMSE:         fr.RMSE,
		Delta1:       fr.Delta1,
		RelAbsDiff:   fr.RelAbsDiff,
		BoundaryHits: hits,
	}
	st.frames = append(st.frames, f)
	if e.DB != nil {
		if err := store.AddFrame(e.DB, f); err != nil {
			return err
		}
	}
	if st.pred == nil {
		st.pred, st.gt = predC, gtC
	}
	return nil
}

func (e *Evaluator) logSummary(s metrics.Summary) {
	parts := make([]string, 0, len(metrics.Names))
	for _, name := range metrics.Names {
		parts = append(parts, fmt.Sprintf("%s: %.4f", name, s[name]))
	}
	e.logf("=> Metrics: %s", strings.Join(parts, ", "))
}
