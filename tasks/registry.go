package tasks

import (
	"sync"

	"github.com/stevecastle/spadeval/jobqueue"
)

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string                                                        `json:"id"`
	Name string                                                        `json:"name"`
	Fn   func(j *jobqueue.Job, q *jobqueue.Queue, r *sync.Mutex) error `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

// Built-in task ids.
const (
	FetchTask          = "fetch"
	EvaluateTask       = "evaluate"
	InstallRuntimeTask = "install-runtime"
)

func init() {
	RegisterTask(FetchTask, "Fetch Inputs", fetchTask)
	RegisterTask(EvaluateTask, "Evaluate Checkpoint", evaluateTask)
	RegisterTask(InstallRuntimeTask, "Install Runtime", installRuntimeTask)
}

func RegisterTask(id, name string, fn func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}
