package tasks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/downloads"
	"github.com/stevecastle/spadeval/jobqueue"
)

// progressStep is how far a fetch must advance, in percent, before its
// progress is pushed to the job output again.
const progressStep = 10

// newFetcher builds a Fetcher from the loaded config that reports progress
// to the job's output.
func newFetcher(j *jobqueue.Job, q *jobqueue.Queue) *downloads.Fetcher {
	cfg := appconfig.Get()
	last := -progressStep
	return &downloads.Fetcher{
		CacheDir: cfg.CacheDir,
		S3:       cfg.S3,
		Progress: func(p downloads.Progress) {
			pct := int(p.Percent)
			if p.Status == downloads.StatusDownloading && pct < last+progressStep {
				return
			}
			last = pct
			q.PushJobStdout(j.ID, p.Message)
		},
	}
}

// fetchTask stages one remote input (checkpoint, file list, data directory
// archive or ONNX graph) into the cache so later jobs find it locally.
func fetchTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	src := strings.TrimSpace(j.Input)
	if src == "" {
		q.PushJobStdout(j.ID, "No source given")
		q.ErrorJob(j.ID)
		return fmt.Errorf("fetch: empty source")
	}

	local, err := newFetcher(j, q).Fetch(j.Ctx, src)
	if err != nil {
		if j.Ctx.Err() != nil {
			q.PushJobStdout(j.ID, "Task was canceled")
			_ = q.CancelJob(j.ID)
			return j.Ctx.Err()
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Fetch failed: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("%s is at %s", src, local))
	q.CompleteJob(j.ID)
	return nil
}
