// Package jobqueue is a sqlite-persisted FIFO queue of evaluation jobs with
// dependencies between them. At most one job runs at a time.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = StatePending
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Finished reports whether the state is terminal.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Job is one unit of work: fetching an artifact or evaluating one noise level.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Arguments    []string           `json:"arguments"`
	Input        string             `json:"input"`
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"` // IDs of jobs that must complete before this one
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// WorkflowTask is one job of a Workflow. Dependencies name other tasks of
// the same workflow, or jobs already queued.
type WorkflowTask struct {
	ID           string
	Command      string
	Arguments    []string
	Input        string
	Dependencies []string
}

// Workflow is a set of jobs added together, in order.
type Workflow struct {
	Tasks []WorkflowTask
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu       sync.Mutex
	Jobs     map[string]*Job
	JobOrder []string // Keep track of the order in which jobs are added
	Signal   chan string
	Db       *sql.DB // Database connection for persistence
	running  int
}

// NewQueue initializes and returns a new in-memory Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:   make(map[string]*Job),
		Signal: make(chan string, 100),
	}
}

// NewQueueWithDB initializes a Queue backed by db, loading jobs left by a
// previous process. Jobs that were in progress are resumed as pending.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}
	return q
}

func (q *Queue) createJobsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := q.Db.Exec(query)
	return err
}

// saveJobToDB saves a single job to the database. Callers hold q.mu.
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	argumentsJSON, _ := json.Marshal(job.Arguments)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, stdout, dependencies, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Command,
		string(argumentsJSON),
		job.Input,
		string(stdoutJSON),
		string(dependenciesJSON),
		int(job.State),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}

	query := `
	SELECT id, command, arguments, input, stdout, dependencies, state,
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumedJobs []string
	for rows.Next() {
		var job Job
		var argumentsJSON, stdoutJSON, dependenciesJSON string
		var state int

		err := rows.Scan(
			&job.ID,
			&job.Command,
			&argumentsJSON,
			&job.Input,
			&stdoutJSON,
			&dependenciesJSON,
			&state,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}

		job.State = JobState(state)
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumedJobs = append(resumedJobs, job.ID)
		}

		job.Ctx, job.Cancel = context.WithCancel(context.Background())
		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumedJobs) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumedJobs), resumedJobs)
		for _, jobID := range resumedJobs {
			q.signal(jobID)
		}
	}
	return rows.Err()
}

// signal wakes a runner without blocking when nobody is listening.
func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddJob adds a new pending job. An empty id is replaced by a UUID.
func (q *Queue) AddJob(id, command string, arguments []string, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addJobLocked(id, command, arguments, input, dependencies)
}

func (q *Queue) addJobLocked(id, command string, arguments []string, input string, dependencies []string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.Jobs[id]; exists {
		return "", errors.New("job with given ID already exists")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Input:        input,
		Command:      command,
		Arguments:    arguments,
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}
	q.signal(id)
	return id, nil
}

// AddWorkflow adds every task of w in order and returns the job IDs.
func (q *Queue) AddWorkflow(w Workflow) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		id, err := q.addJobLocked(t.ID, t.Command, t.Arguments, t.Input, t.Dependencies)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ClaimJob returns the oldest pending job whose dependencies are all
// completed and marks it in progress. It returns nil while another job is
// running or when nothing is claimable.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running > 0 {
		return nil, nil
	}
	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.running++

		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}
		log.Printf("Started job %s (%s %s)", job.ID, job.Command, job.Input)
		return job, nil
	}
	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// cancelDependents cancels pending jobs that can no longer run because id
// failed or was cancelled. Callers hold q.mu.
func (q *Queue) cancelDependents(id string) {
	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending {
			continue
		}
		for _, dep := range job.Dependencies {
			if dep == id {
				job.Cancel()
				job.State = StateCancelled
				if err := q.saveJobToDB(job); err != nil {
					log.Printf("Failed to save job cancellation to database: %v", err)
				}
				log.Printf("Cancelled job %s (%s): dependency %s did not complete", job.ID, job.Command, id)
				q.cancelDependents(job.ID)
				break
			}
		}
	}
}

// ErrorJob sets a job's state to error if it is currently in progress.
// Jobs depending on it are cancelled.
func (q *Queue) ErrorJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot set error")
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	q.running--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}
	log.Printf("Job %s (%s) failed", job.ID, job.Command)
	q.cancelDependents(id)
	return nil
}

// CancelJob cancels a pending or running job and the jobs depending on it.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.running--
	}
	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}
	log.Printf("Cancelled job %s (%s)", job.ID, job.Command)
	q.cancelDependents(id)
	return nil
}

// CancelAll cancels every pending or running job.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.JobOrder))
	for _, id := range q.JobOrder {
		if !q.Jobs[id].State.Finished() {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()
	for _, id := range ids {
		_ = q.CancelJob(id)
	}
}

// PushJobStdout appends a line to the job's output and logs it.
func (q *Queue) PushJobStdout(id string, stdout string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	job.Stdout = append(job.Stdout, stdout)
	log.Printf("[%s] %s", job.Command, stdout)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}
	return nil
}

// CompleteJob marks the specified job as completed if it is currently InProgress.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot complete")
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.running--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}
	log.Printf("Completed job %s (%s)", job.ID, job.Command)
	for _, jobID := range q.JobOrder {
		if q.Jobs[jobID].State == StatePending {
			q.signal(jobID)
			break
		}
	}
	return nil
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return nil
	}
	return job
}

// Unfinished counts jobs that are pending or in progress.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.Jobs {
		if !job.State.Finished() {
			n++
		}
	}
	return n
}
