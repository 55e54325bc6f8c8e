package workflow

// JobStatus is the lifecycle state of one job within a run.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusWaiting   JobStatus = "waiting"
	StatusRunning   JobStatus = "running"
	StatusSuccess   JobStatus = "success"
	StatusFailure   JobStatus = "failure"
	StatusCancelled JobStatus = "cancelled"
	StatusSkipped   JobStatus = "skipped"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseJobStatus normalizes a persisted status string.
func ParseJobStatus(raw string) (JobStatus, bool) {
	switch s := JobStatus(raw); s {
	case StatusPending, StatusWaiting, StatusRunning, StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return s, true
	default:
		return "", false
	}
}
