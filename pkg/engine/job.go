package engine

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultGroupName is the group used for jobs that do not name one.
const DefaultGroupName = "default"

var ErrResultAlreadySet = errors.New("job result has already been set")

type ComputeType string

const (
	ComputeTypeBatch  ComputeType = "batch"
	ComputeTypeStream ComputeType = "stream"
)

// ParseComputeType parses a compute type case-insensitively.
func ParseComputeType(s string) (ComputeType, error) {
	switch ComputeType(strings.ToLower(strings.TrimSpace(s))) {
	case ComputeTypeBatch:
		return ComputeTypeBatch, nil
	case ComputeTypeStream:
		return ComputeTypeStream, nil
	}
	return "", errors.Errorf("unknown compute type %q", s)
}

type OperatorKind string

const (
	OperatorAddArtifact OperatorKind = "addArtifact"
	OperatorScript      OperatorKind = "script"
)

// Operator is one step of a job. The set of operators is closed: AddArtifactOperator and ScriptOperator.
type Operator interface {
	Kind() OperatorKind
}

// AddArtifactOperator runs the entry class of an artifact (for example a jar on a distributed filesystem).
type AddArtifactOperator struct {
	Path      string `json:"path" yaml:"path"`
	MainClass string `json:"mainClass" yaml:"mainClass"`
	// Whitespace separated program arguments.
	Args string `json:"args,omitempty" yaml:"args"`
}

func (*AddArtifactOperator) Kind() OperatorKind { return OperatorAddArtifact }

// ScriptOperator holds a single script statement.
type ScriptOperator struct {
	Statement string `json:"statement" yaml:"statement"`
}

func (*ScriptOperator) Kind() OperatorKind { return OperatorScript }

// JobRequest is a job travelling through admission, submission and completion.
// The caller owns it until a terminal result has been recorded with SetResult.
type JobRequest struct {
	TaskId      string
	EngineType  string
	GroupName   string
	Priority    int
	ComputeType ComputeType
	// Application name shown by the backend.
	JobName        string
	Operators      []Operator
	ConfProperties map[string]string
	GenerateTime   time.Time

	mu           sync.Mutex
	engineTaskId string
	result       *JobResult
}

// Group returns the group name, or def if the job does not name one.
func (j *JobRequest) Group(def string) string {
	if j.GroupName == "" {
		return def
	}
	return j.GroupName
}

// ArtifactOperators returns every add-artifact operator of the job.
func (j *JobRequest) ArtifactOperators() []*AddArtifactOperator {
	var ops []*AddArtifactOperator
	for _, op := range j.Operators {
		if a, ok := op.(*AddArtifactOperator); ok {
			ops = append(ops, a)
		}
	}
	return ops
}

// ScriptOperators returns every script operator of the job.
func (j *JobRequest) ScriptOperators() []*ScriptOperator {
	var ops []*ScriptOperator
	for _, op := range j.Operators {
		if s, ok := op.(*ScriptOperator); ok {
			ops = append(ops, s)
		}
	}
	return ops
}

// HasArtifact reports whether the job should go down the artifact submission path.
func (j *JobRequest) HasArtifact() bool {
	return len(j.ArtifactOperators()) > 0
}

func (j *JobRequest) SetEngineTaskId(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.engineTaskId = id
}

func (j *JobRequest) EngineTaskId() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.engineTaskId
}

// SetResult records the terminal result of the job. Only the first call succeeds.
func (j *JobRequest) SetResult(result *JobResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result != nil {
		return ErrResultAlreadySet
	}
	j.result = result
	return nil
}

// Result returns the terminal result, or nil if none has been recorded yet.
func (j *JobRequest) Result() *JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

type operatorJson struct {
	Kind     OperatorKind         `json:"kind"`
	Artifact *AddArtifactOperator `json:"artifact,omitempty"`
	Script   *ScriptOperator      `json:"script,omitempty"`
}

type jobRequestJson struct {
	TaskId         string            `json:"taskId"`
	EngineType     string            `json:"engineType"`
	GroupName      string            `json:"groupName,omitempty"`
	Priority       int               `json:"priority"`
	ComputeType    ComputeType       `json:"computeType"`
	JobName        string            `json:"jobName"`
	Operators      []operatorJson    `json:"operators"`
	ConfProperties map[string]string `json:"confProperties,omitempty"`
	GenerateTime   int64             `json:"generateTime"`
	EngineTaskId   string            `json:"engineTaskId,omitempty"`
}

// MarshalJSON encodes the request as stored in the job cache. The result slot is not persisted.
func (j *JobRequest) MarshalJSON() ([]byte, error) {
	out := jobRequestJson{
		TaskId:         j.TaskId,
		EngineType:     j.EngineType,
		GroupName:      j.GroupName,
		Priority:       j.Priority,
		ComputeType:    j.ComputeType,
		JobName:        j.JobName,
		ConfProperties: j.ConfProperties,
		EngineTaskId:   j.EngineTaskId(),
	}
	if !j.GenerateTime.IsZero() {
		out.GenerateTime = j.GenerateTime.UnixMilli()
	}
	for _, op := range j.Operators {
		switch o := op.(type) {
		case *AddArtifactOperator:
			out.Operators = append(out.Operators, operatorJson{Kind: OperatorAddArtifact, Artifact: o})
		case *ScriptOperator:
			out.Operators = append(out.Operators, operatorJson{Kind: OperatorScript, Script: o})
		default:
			return nil, errors.Errorf("unknown operator type %T", op)
		}
	}
	return json.Marshal(out)
}

func (j *JobRequest) UnmarshalJSON(data []byte) error {
	var in jobRequestJson
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	j.TaskId = in.TaskId
	j.EngineType = in.EngineType
	j.GroupName = in.GroupName
	j.Priority = in.Priority
	j.ComputeType = in.ComputeType
	j.JobName = in.JobName
	j.ConfProperties = in.ConfProperties
	j.Operators = nil
	if in.GenerateTime != 0 {
		j.GenerateTime = time.UnixMilli(in.GenerateTime)
	}
	for _, op := range in.Operators {
		switch {
		case op.Kind == OperatorAddArtifact && op.Artifact != nil:
			j.Operators = append(j.Operators, op.Artifact)
		case op.Kind == OperatorScript && op.Script != nil:
			j.Operators = append(j.Operators, op.Script)
		default:
			return errors.Errorf("malformed operator of kind %q", op.Kind)
		}
	}
	j.SetEngineTaskId(in.EngineTaskId)
	return nil
}
