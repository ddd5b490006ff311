package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stevecastle/spadeval/deps"
	"github.com/stevecastle/spadeval/downloads"
	"github.com/stevecastle/spadeval/jobqueue"
)

// installRuntimeTask installs a registered dependency as a job. The input
// names the dependency; empty installs every missing required dependency.
func installRuntimeTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	depID := strings.TrimSpace(j.Input)
	if depID == "" {
		return installMissing(j, q)
	}

	dep, ok := deps.Get(depID)
	if !ok {
		q.PushJobStdout(j.ID, fmt.Sprintf("Unknown dependency: %s", depID))
		q.ErrorJob(j.ID)
		return fmt.Errorf("unknown dependency: %s", depID)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Dependency: %s (%s)", dep.Name, dep.Description))

	status, err := dep.Status(j.Ctx)
	if err == nil && status == deps.StatusInstalled {
		q.PushJobStdout(j.ID, fmt.Sprintf("%s is already installed", dep.Name))
		q.CompleteJob(j.ID)
		return nil
	}
	if dep.Install == nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("%s must be installed manually", dep.Name))
		q.ErrorJob(j.ID)
		return fmt.Errorf("dependency %s must be installed manually", dep.Name)
	}

	last := -progressStep
	install := func(ctx context.Context, progress downloads.ProgressCallback) error {
		return dep.Install(ctx, func(p downloads.Progress) {
			if pct := int(p.Percent); p.Status != downloads.StatusDownloading || pct >= last+progressStep {
				last = pct
				q.PushJobStdout(j.ID, p.Message)
			}
			progress(p)
		})
	}
	if err := downloads.NewManager().Install(j.Ctx, dep.ID, dep.Name, install); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Download failed: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Successfully installed %s", dep.Name))
	q.CompleteJob(j.ID)
	return nil
}

// installMissing installs the required dependencies that are missing and
// reports the final state of each install.
func installMissing(j *jobqueue.Job, q *jobqueue.Queue) error {
	missing := deps.GetMissingRequired(j.Ctx)
	if len(missing) == 0 {
		q.PushJobStdout(j.ID, "All required dependencies are installed")
		q.CompleteJob(j.ID)
		return nil
	}
	for _, d := range missing {
		q.PushJobStdout(j.ID, fmt.Sprintf("Installing %s (%s)", d.Name, d.Description))
	}

	m := downloads.NewManager()
	err := deps.InstallMissing(j.Ctx, m)
	for _, p := range m.GetProgress() {
		if p.Error != "" {
			q.PushJobStdout(j.ID, fmt.Sprintf("%s: %s: %s", p.Name, p.Message, p.Error))
		} else {
			q.PushJobStdout(j.ID, fmt.Sprintf("%s: %s", p.Name, p.Message))
		}
	}
	if err != nil {
		if j.Ctx.Err() != nil {
			q.PushJobStdout(j.ID, "Task was canceled")
			_ = q.CancelJob(j.ID)
			return j.Ctx.Err()
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Install failed: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	q.CompleteJob(j.ID)
	return nil
}
