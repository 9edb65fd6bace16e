package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

// jobFile is the yaml form of a job request accepted by the submit command.
type jobFile struct {
	TaskId      string                      `yaml:"taskId"`
	EngineType  string                      `yaml:"engineType"`
	Group       string                      `yaml:"group"`
	Priority    int                         `yaml:"priority"`
	ComputeType string                      `yaml:"computeType"`
	JobName     string                      `yaml:"jobName"`
	Scripts     []string                    `yaml:"scripts"`
	Artifact    *engine.AddArtifactOperator `yaml:"artifact"`
	Conf        map[string]string           `yaml:"conf"`
}

func readJobFile(path string) (*engine.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return parseJobFile(data)
}

func parseJobFile(data []byte) (*engine.JobRequest, error) {
	var f jobFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrap(err, "invalid job file")
	}
	if strings.TrimSpace(f.EngineType) == "" {
		return nil, errors.New("invalid job file: engineType is required")
	}
	if len(f.Scripts) == 0 && f.Artifact == nil {
		return nil, errors.New("invalid job file: either scripts or artifact is required")
	}

	computeType := engine.ComputeTypeBatch
	if f.ComputeType != "" {
		ct, err := engine.ParseComputeType(f.ComputeType)
		if err != nil {
			return nil, err
		}
		computeType = ct
	}
	taskId := f.TaskId
	if taskId == "" {
		taskId = util.NewTaskId()
	}

	job := &engine.JobRequest{
		TaskId:         taskId,
		EngineType:     f.EngineType,
		GroupName:      f.Group,
		Priority:       f.Priority,
		ComputeType:    computeType,
		JobName:        f.JobName,
		ConfProperties: f.Conf,
	}
	if f.Artifact != nil {
		job.Operators = append(job.Operators, f.Artifact)
	}
	for _, s := range f.Scripts {
		job.Operators = append(job.Operators, &engine.ScriptOperator{Statement: s})
	}
	return job, nil
}
