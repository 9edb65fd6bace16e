// Package spark submits jobs to a Spark standalone cluster through the master's REST submission server,
// and reads status, logs and capacity from the master and worker web UIs.
package spark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	confKeyPrefix   = "spark."
	aliveMasterKey  = "aliveWebMaster"
	rootPath        = "/"
	createAction    = "CreateSubmissionRequest"
	streamSqlErrMsg = "not support spark sql job for stream type."
)

var driverStates = map[string]engine.TaskStatus{
	// The driver has been accepted but not launched, which in practice means it is waiting for resources.
	"SUBMITTED":   engine.StatusWaitCompute,
	"RUNNING":     engine.StatusRunning,
	"FINISHED":    engine.StatusFinished,
	"RELAUNCHING": engine.StatusRestarting,
	"KILLED":      engine.StatusKilled,
	"FAILED":      engine.StatusFailed,
	"ERROR":       engine.StatusFailed,
	"UNKNOWN":     engine.StatusNotFound,
}

// Client is safe for concurrent use. It keeps no per-job state.
type Client struct {
	config *Config
	http   *httpClient
	// Remembers the last web master found alive.
	masters *cache.Cache
	logger  logrus.FieldLogger
}

// Plugin initialises spark clients.
var Plugin = engine.PluginFunc(func(props engine.Properties, logger logrus.FieldLogger) (engine.Client, error) {
	return New(props, logger)
})

func New(props engine.Properties, logger logrus.FieldLogger) (*Client, error) {
	config, err := ParseConfig(props, logger)
	if err != nil {
		logger.WithError(err).Error("Invalid spark configuration")
		return nil, err
	}
	return &Client{
		config:  config,
		http:    newHttpClient(config, logger),
		masters: cache.New(config.MasterCacheTTL, 2*config.MasterCacheTTL),
		logger:  logger,
	}, nil
}

func (c *Client) SubmitByArtifact(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	artifacts := job.ArtifactOperators()
	switch {
	case len(artifacts) == 0:
		return engine.NewErrorResult("submit by artifact needs an add artifact operator"), nil
	case len(artifacts) > 1:
		return engine.NewErrorResult(fmt.Sprintf("submit by artifact takes exactly one add artifact operator, got %d", len(artifacts))), nil
	}
	artifact := artifacts[0]
	if !strings.HasPrefix(artifact.Path, "hdfs://") {
		return engine.NewErrorResult("spark artifact path protocol must be hdfs://"), nil
	}
	if job.JobName == "" {
		return engine.NewErrorResult("spark job must set an app name"), nil
	}

	args := strings.Fields(artifact.Args)
	return c.create(ctx, job, artifact.Path, artifact.MainClass, args)
}

func (c *Client) SubmitByScript(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	switch job.ComputeType {
	case engine.ComputeTypeBatch:
	case engine.ComputeTypeStream:
		return engine.NewErrorResult(streamSqlErrMsg), nil
	case "":
		return engine.NewErrorResult("need to set compute type"), nil
	default:
		return engine.NewErrorResult(fmt.Sprintf("not support for compute type %s", job.ComputeType)), nil
	}

	scripts := job.ScriptOperators()
	if len(scripts) == 0 {
		return engine.NewErrorResult("don't have any script operator for spark sql job"), nil
	}
	if job.JobName == "" {
		return engine.NewErrorResult("spark job must set an app name"), nil
	}
	arg, err := sqlProxyArgument(scripts, job.JobName)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, job, c.config.SparkSqlProxyPath, c.config.SparkSqlProxyMainClass, []string{arg})
}

// sqlProxyArgument is the single argument handed to the sql proxy: every statement terminated by ";",
// together with the application name, as JSON.
func sqlProxyArgument(scripts []*engine.ScriptOperator, appName string) (string, error) {
	var sb strings.Builder
	for _, s := range scripts {
		sb.WriteString(s.Statement)
		sb.WriteString(";")
	}
	data, err := json.Marshal(struct {
		Sql     string `json:"sql"`
		AppName string `json:"appName"`
	}{Sql: sb.String(), AppName: appName})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}

func (c *Client) sparkProperties(job *engine.JobRequest, appResource string) map[string]string {
	props := map[string]string{
		"spark.master":            strings.Join(c.config.SparkMaster, ","),
		"spark.submit.deployMode": c.config.DeployMode,
		"spark.app.name":          job.JobName,
		"spark.jars":              appResource,
	}
	for k, v := range job.ConfProperties {
		props[confKeyPrefix+k] = v
	}
	return props
}

func (c *Client) create(ctx context.Context, job *engine.JobRequest, appResource, mainClass string, args []string) (*engine.JobResult, error) {
	if args == nil {
		args = []string{}
	}
	request := &createSubmissionRequest{
		Action:               createAction,
		AppResource:          appResource,
		MainClass:            mainClass,
		AppArgs:              args,
		ClientSparkVersion:   c.config.SparkVersion,
		EnvironmentVariables: map[string]string{"SPARK_ENV_LOADED": "1"},
		SparkProperties:      c.sparkProperties(job, appResource),
	}
	response, err := c.http.call(ctx, c.http.once, c.config.SparkMaster, "POST", createPath, request)
	if err != nil {
		return nil, errors.WithMessage(err, "submit spark job")
	}

	logger := engine.LoggerFrom(ctx, c.logger).WithField("taskId", job.TaskId)
	if response.SubmissionId == "" {
		logger.Infof("Spark job submission failed: %s", response.Message)
		if response.Message != "" {
			return engine.NewErrorResult(response.Message), nil
		}
		return engine.NewErrorResult(fmt.Sprintf("submit job got unknown error, response action %q", response.Action)), nil
	}
	logger.Infof("Submitted spark job %s, success %t", response.SubmissionId, response.succeeded())
	return engine.NewSuccessResult(response.SubmissionId), nil
}

func (c *Client) Cancel(ctx context.Context, engineJobId string) *engine.JobResult {
	response, err := c.http.call(ctx, c.http.retrying, c.config.SparkMaster, "POST", killPath+engineJobId, nil)
	if err != nil {
		return engine.NewErrorResultFromError(errors.WithMessagef(err, "kill %s", engineJobId))
	}
	if response.Success == nil {
		return engine.NewErrorResult(fmt.Sprintf("got no result from spark for kill %s", engineJobId))
	}
	if !*response.Success {
		return engine.NewErrorResult(response.Message)
	}
	return engine.NewSuccessResult(engineJobId)
}

func (c *Client) GetStatus(ctx context.Context, engineJobId string) (engine.TaskStatus, error) {
	if strings.TrimSpace(engineJobId) == "" {
		return engine.StatusNone, nil
	}
	response, err := c.http.call(ctx, c.http.retrying, c.config.SparkMaster, "GET", statusPath+engineJobId, nil)
	if err != nil {
		return engine.StatusNone, errors.WithMessagef(err, "status of %s", engineJobId)
	}
	if !response.succeeded() {
		return engine.StatusNotFound, nil
	}
	if status, ok := driverStates[strings.ToUpper(response.DriverState)]; ok {
		return status, nil
	}
	return engine.StatusNotFound, nil
}

// aliveWebMaster returns the web UI url of the first master reporting itself alive.
// Unreachable masters are skipped.
func (c *Client) aliveWebMaster(ctx context.Context) (string, bool) {
	if cached, ok := c.masters.Get(aliveMasterKey); ok {
		return cached.(string), true
	}
	logger := engine.LoggerFrom(ctx, c.logger)
	for _, web := range c.config.SparkWebMaster {
		url := webUrl(web)
		page, err := c.http.get(ctx, url)
		if err != nil {
			logger.WithError(err).Debugf("Spark web master %s is unreachable", url)
			continue
		}
		if parseIsAlive(page) {
			c.masters.SetDefault(aliveMasterKey, url)
			return url, true
		}
	}
	logger.Error("No spark web master is alive. Please check the cluster.")
	return "", false
}

// getFromMaster fetches path from the alive web master.
func (c *Client) getFromMaster(ctx context.Context, path string) (string, error) {
	master, ok := c.aliveWebMaster(ctx)
	if !ok {
		return "", errors.New("no alive spark web master")
	}
	page, err := c.http.get(ctx, master+path)
	if err != nil {
		// Look for another master next time.
		c.masters.Delete(aliveMasterKey)
		return "", err
	}
	return page, nil
}

func (c *Client) GetResources(ctx context.Context) *engine.ResourceInfo {
	page, err := c.getFromMaster(ctx, rootPath)
	if err != nil {
		engine.LoggerFrom(ctx, c.logger).WithError(err).Warn("Could not read spark resources")
		return &engine.ResourceInfo{}
	}
	info, err := parseResources(page)
	if err != nil {
		engine.LoggerFrom(ctx, c.logger).WithError(err).Warn("Could not parse spark resources")
		return &engine.ResourceInfo{}
	}
	return info
}
