package model

import "time"

// JobKind identifies which executor handles a job.
type JobKind string

const (
	JobSendMessage JobKind = "send_message"
	JobFetchFolder JobKind = "fetch_folder"
	JobMoveMessage JobKind = "move_message"
	JobMarkSeen    JobKind = "mark_seen"
)

// JobStatus is the lifecycle state of a persisted job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a job in this status must never run again.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// Job is a persisted, retryable unit of transport work.
type Job struct {
	// ID is assigned by the store and increases with every insert.
	ID int64 `json:"id"`

	// Kind selects the executor.
	Kind JobKind `json:"kind"`

	// Payload is opaque to the engine and decoded by the executor.
	Payload []byte `json:"payload"`

	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`

	// Attempts counts executions started for this job.
	Attempts int `json:"attempts"`

	// NextAttemptAt is the earliest time the job may run again.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// CreatedAt is when the job was first enqueued.
	CreatedAt time.Time `json:"created_at"`

	// LastError holds the reason of the most recent failed attempt.
	LastError string `json:"last_error"`
}

// Eligible reports whether the job may execute at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == JobPending && !j.NextAttemptAt.After(now)
}
