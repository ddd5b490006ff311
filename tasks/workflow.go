package tasks

import (
	"log"
	"strconv"

	"github.com/google/uuid"

	"github.com/stevecastle/spadeval/appconfig"
	"github.com/stevecastle/spadeval/downloads"
	"github.com/stevecastle/spadeval/evaluate"
	"github.com/stevecastle/spadeval/jobqueue"
)

// EvaluationWorkflow plans the jobs for every configured noise level: one
// fetch per distinct remote source, then one evaluation per level that
// depends on the fetches of its own sources. With installRuntime the
// runtime install runs first and every evaluation waits for it.
func EvaluationWorkflow(cfg appconfig.Config, installRuntime bool) jobqueue.Workflow {
	var w jobqueue.Workflow
	var common []string
	if installRuntime {
		id := uuid.NewString()
		w.Tasks = append(w.Tasks, jobqueue.WorkflowTask{ID: id, Command: InstallRuntimeTask})
		common = append(common, id)
	}

	fetched := make(map[string]string)
	for _, level := range cfg.Noise {
		needs := append([]string(nil), common...)
		for _, src := range evaluate.Sources(cfg, level) {
			if !downloads.IsRemote(src) {
				continue
			}
			id, ok := fetched[src]
			if !ok {
				id = uuid.NewString()
				fetched[src] = id
				w.Tasks = append(w.Tasks, jobqueue.WorkflowTask{ID: id, Command: FetchTask, Input: src})
			}
			needs = append(needs, id)
		}
		w.Tasks = append(w.Tasks, jobqueue.WorkflowTask{
			ID:           uuid.NewString(),
			Command:      EvaluateTask,
			Arguments:    []string{cfg.Option},
			Input:        strconv.Itoa(level.Index),
			Dependencies: needs,
		})
	}
	return w
}

// EnqueueEvaluation adds the evaluation workflow to q and returns the ids
// of the jobs the run waits on: evaluations resumed from an interrupted run
// first, then the new jobs in the order they were added. A level with a
// resumed evaluation is not planned again.
func EnqueueEvaluation(q *jobqueue.Queue, cfg appconfig.Config, installRuntime bool) ([]string, error) {
	resumed, levels := resumeEvaluations(q, cfg)

	planned := cfg
	planned.Noise = nil
	for _, level := range cfg.Noise {
		if !levels[level.Index] {
			planned.Noise = append(planned.Noise, level)
		}
	}
	if len(planned.Noise) == 0 {
		return resumed, nil
	}
	ids, err := q.AddWorkflow(EvaluationWorkflow(planned, installRuntime))
	return append(resumed, ids...), err
}

// resumeEvaluations keeps the pending evaluations left in q that match cfg,
// one per configured level, and cancels every other pending job that none of
// them depends on. It returns the kept ids and their levels.
func resumeEvaluations(q *jobqueue.Queue, cfg appconfig.Config) ([]string, map[int]bool) {
	configured := make(map[int]bool, len(cfg.Noise))
	for _, level := range cfg.Noise {
		configured[level.Index] = true
	}

	var kept []string
	levels := make(map[int]bool)
	needed := make(map[string]bool)
	var stale []jobqueue.Job
	jobs := q.GetJobs()
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		if j.State != jobqueue.StatePending {
			continue
		}
		if j.Command != EvaluateTask {
			stale = append(stale, j)
			continue
		}
		idx, err := strconv.Atoi(j.Input)
		if err != nil || !configured[idx] || levels[idx] || jobOption(j) != cfg.Option {
			log.Printf("Dropping evaluation of noise level %s for option %s left by a previous run", j.Input, jobOption(j))
			_ = q.CancelJob(j.ID)
			continue
		}
		levels[idx] = true
		kept = append(kept, j.ID)
		for _, dep := range j.Dependencies {
			needed[dep] = true
		}
	}
	for _, j := range stale {
		if !needed[j.ID] {
			_ = q.CancelJob(j.ID)
		}
	}
	if len(kept) > 0 {
		log.Printf("Resuming evaluation of %d noise level(s)", len(kept))
	}
	return kept, levels
}

// jobOption is the option an evaluate job was queued for.
func jobOption(j jobqueue.Job) string {
	if len(j.Arguments) == 0 {
		return ""
	}
	return j.Arguments[0]
}
