package tasks

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/evaluate"
	"github.com/stevecastle/spadeval/jobqueue"
	"github.com/stevecastle/spadeval/metrics"
	"github.com/stevecastle/spadeval/store"
)

// evaluateTask evaluates the checkpoint of the noise level named by the
// job's input. Runs and frames are recorded in the queue's database.
func evaluateTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	fail := func(err error) error {
		if j.Ctx.Err() != nil {
			q.PushJobStdout(j.ID, "Task was canceled")
			_ = q.CancelJob(j.ID)
			return j.Ctx.Err()
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Evaluation failed: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	cfg := appconfig.Get()
	if opt := jobOption(*j); opt != "" && opt != cfg.Option {
		return fail(fmt.Errorf("job was queued for option %s but option %s is loaded", opt, cfg.Option))
	}
	idx, err := strconv.Atoi(strings.TrimSpace(j.Input))
	if err != nil {
		return fail(fmt.Errorf("invalid noise level %q", j.Input))
	}
	var level *appconfig.NoiseLevel
	for i := range cfg.Noise {
		if cfg.Noise[i].Index == idx {
			level = &cfg.Noise[i]
		}
	}
	if level == nil {
		return fail(fmt.Errorf("noise level %d is not configured for option %s", idx, cfg.Option))
	}

	if q.Db != nil {
		if err := store.InitializeSchema(q.Db); err != nil {
			return fail(err)
		}
	}

	e, closeModel, err := evaluate.Setup(j.Ctx, cfg, *level, newFetcher(j, q), q.Db)
	if err != nil {
		return fail(err)
	}
	defer closeModel()
	e.Logf = func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Print(msg)
		q.PushJobStdout(j.ID, msg)
	}

	res, err := e.Run(j.Ctx)
	if err != nil {
		return fail(err)
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Run %s: %d frames, %d valid pixels, rmse %.4f m",
		res.RunID, res.Frames, res.ValidPixels, res.Summary[metrics.RMSE]))
	q.PushJobStdout(j.ID, fmt.Sprintf("Metrics written to %s", e.MatricesOut))
	for _, f := range res.ReportFiles {
		q.PushJobStdout(j.ID, fmt.Sprintf("Report: %s", f))
	}
	q.CompleteJob(j.ID)
	return nil
}
