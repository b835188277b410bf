package schemas

import "time"

// -- Job Schemas --

// JobStatus tracks the lifecycle state of an analysis job. The values are
// lowercase to match the corresponding column in the job store.
type JobStatus string

const (
	JobPending   JobStatus = "pending"   // Created but not yet picked up by the runner.
	JobRunning   JobStatus = "running"   // Segments are being processed.
	JobCompleted JobStatus = "completed" // At least one segment merged successfully.
	JobFailed    JobStatus = "failed"    // Every attempted segment failed, or a fatal error occurred.
	JobCancelled JobStatus = "cancelled" // Stopped by an explicit cancel signal.
)

// Terminal reports whether the status is final. Terminal states are
// immutable; the job store refuses transitions out of them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is one end-to-end analysis run of a text against a project. Progress is
// an integer percentage in [0,100], monotonically non-decreasing while the
// job runs and frozen at its last value on cancellation.
type Job struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	ModelName string    `json:"model_name"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobPatch is a partial update to a job record. Nil fields are left
// untouched.
type JobPatch struct {
	Status   *JobStatus
	Progress *int
	Message  *string
}

// ProgressUpdate is the shape pushed to (or polled by) observers of a
// running job.
type ProgressUpdate struct {
	JobID    string    `json:"job_id"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
}

// -- Log Schemas --

// LogLevel classifies an analysis log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogEntry is one append-only line of the analysis log. Entries are never
// mutated; old entries are removed only by the store's bounded retention
// policy. TaskID links the entry to the job that produced it, when any.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
}
