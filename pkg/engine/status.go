package engine

// TaskStatus is the scheduler's view of a job's lifecycle, independent of any backend's own state names.
type TaskStatus string

const (
	// StatusNone means there is nothing to report, e.g. the job has no backend id yet.
	StatusNone        TaskStatus = ""
	StatusNotFound    TaskStatus = "NOTFOUND"
	StatusCreated     TaskStatus = "CREATED"
	StatusSubmitting  TaskStatus = "SUBMITTING"
	StatusSubmitted   TaskStatus = "SUBMITTED"
	// StatusWaitCompute is used for jobs the backend accepted but has not started for lack of resources.
	StatusWaitCompute TaskStatus = "WAITCOMPUTE"
	StatusScheduled   TaskStatus = "SCHEDULED"
	StatusRunning     TaskStatus = "RUNNING"
	StatusRestarting  TaskStatus = "RESTARTING"
	StatusFinished    TaskStatus = "FINISHED"
	StatusCanceling   TaskStatus = "CANCELLING"
	StatusCanceled    TaskStatus = "CANCELED"
	StatusKilled      TaskStatus = "KILLED"
	StatusFailed      TaskStatus = "FAILED"
	StatusSubmitFail  TaskStatus = "SUBMITFAILD"
)

var terminalStatuses = map[TaskStatus]bool{
	StatusFinished:   true,
	StatusCanceled:   true,
	StatusKilled:     true,
	StatusFailed:     true,
	StatusSubmitFail: true,
}

func (s TaskStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

func (s TaskStatus) String() string {
	if s == StatusNone {
		return "NONE"
	}
	return string(s)
}
