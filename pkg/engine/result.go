package engine

import (
	"fmt"
)

const (
	// JobIdKey holds the backend assigned job id of a successful submission.
	JobIdKey = "jobid"
	// MessageKey holds the error message of a failed operation.
	MessageKey = "msg_info"
)

// JobResult is the outcome of one remote operation. It is immutable once constructed.
type JobResult struct {
	isErr bool
	data  map[string]string
}

func NewSuccessResult(engineJobId string) *JobResult {
	return &JobResult{data: map[string]string{JobIdKey: engineJobId}}
}

func NewErrorResult(message string) *JobResult {
	return &JobResult{isErr: true, data: map[string]string{MessageKey: message}}
}

// NewErrorResultFromError builds an error result carrying the message of err.
func NewErrorResultFromError(err error) *JobResult {
	if err == nil {
		return NewErrorResult("unknown error")
	}
	return NewErrorResult(err.Error())
}

func (r *JobResult) IsErr() bool {
	return r.isErr
}

// EngineJobId returns the backend identifier of a successful operation.
func (r *JobResult) EngineJobId() string {
	return r.data[JobIdKey]
}

func (r *JobResult) Message() string {
	return r.data[MessageKey]
}

func (r *JobResult) Data(key string) (string, bool) {
	v, ok := r.data[key]
	return v, ok
}

// WithData returns a copy of the result with key set to value.
func (r *JobResult) WithData(key, value string) *JobResult {
	data := make(map[string]string, len(r.data)+1)
	for k, v := range r.data {
		data[k] = v
	}
	data[key] = value
	return &JobResult{isErr: r.isErr, data: data}
}

func (r *JobResult) String() string {
	if r.isErr {
		return fmt.Sprintf("JobResult{error: %q}", r.Message())
	}
	return fmt.Sprintf("JobResult{jobId: %q}", r.EngineJobId())
}
