package workflow

// JobResult is what a job hands back to the executor.
type JobResult struct {
	Context *ExecutionContext
	Status  JobStatus
	Message string
	Logs    []string
}

func Success(ec *ExecutionContext) JobResult {
	return JobResult{Context: ec, Status: StatusSuccess}
}

func SuccessWithMessage(ec *ExecutionContext, message string) JobResult {
	return JobResult{Context: ec, Status: StatusSuccess, Message: message}
}

func SuccessWithLogs(ec *ExecutionContext, message string, logs []string) JobResult {
	return JobResult{Context: ec, Status: StatusSuccess, Message: message, Logs: logs}
}

func Failure(ec *ExecutionContext, message string) JobResult {
	return JobResult{Context: ec, Status: StatusFailure, Message: message}
}

func FailureWithLogs(ec *ExecutionContext, message string, logs []string) JobResult {
	return JobResult{Context: ec, Status: StatusFailure, Message: message, Logs: logs}
}

func Cancelled(ec *ExecutionContext) JobResult {
	return JobResult{Context: ec, Status: StatusCancelled, Message: "job was cancelled"}
}

func Skipped(ec *ExecutionContext, reason string) JobResult {
	return JobResult{Context: ec, Status: StatusSkipped, Message: reason}
}
