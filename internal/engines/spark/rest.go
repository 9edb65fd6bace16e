package spark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	createPath = "/v1/submissions/create"
	statusPath = "/v1/submissions/status/"
	killPath   = "/v1/submissions/kill/"
)

// createSubmissionRequest is the body the standalone master's REST server expects on create.
type createSubmissionRequest struct {
	Action               string            `json:"action"`
	AppResource          string            `json:"appResource"`
	MainClass            string            `json:"mainClass"`
	AppArgs              []string          `json:"appArgs"`
	ClientSparkVersion   string            `json:"clientSparkVersion"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	SparkProperties      map[string]string `json:"sparkProperties"`
}

// submissionResponse covers the create, kill and status responses. Success is a pointer so that a
// response lacking the field can be told apart from an explicit false.
type submissionResponse struct {
	Action       string `json:"action"`
	SubmissionId string `json:"submissionId"`
	Success      *bool  `json:"success"`
	Message      string `json:"message"`
	DriverState  string `json:"driverState"`
}

func (r *submissionResponse) succeeded() bool {
	return r.Success != nil && *r.Success
}

// httpClient wraps the retrying transport used for every call to the masters and their web UIs.
type httpClient struct {
	// Used for reads and kills, which are safe to repeat.
	retrying *retryablehttp.Client
	// Used for creates: repeating a create could start the application twice.
	once *retryablehttp.Client
}

func newHttpClient(config *Config, logger logrus.FieldLogger) *httpClient {
	build := func(retryMax int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retryMax
		c.RetryWaitMin = 100 * time.Millisecond
		c.RetryWaitMax = time.Second
		c.HTTPClient.Timeout = config.HttpTimeout
		c.Logger = leveledLogger{logger}
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		return c
	}
	return &httpClient{
		retrying: build(config.HttpRetryMax),
		once:     build(0),
	}
}

// get fetches url and returns the body of a 200 response.
func (c *httpClient) get(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := c.retrying.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "GET %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("GET %s returned %s", url, resp.Status)
	}
	return string(body), nil
}

// call sends a REST request to the first master that answers and decodes its response.
// The REST server reports failures in the body, so any status code with a decodable body is accepted.
func (c *httpClient) call(ctx context.Context, client *retryablehttp.Client, masters []string, method, path string, body interface{}) (*submissionResponse, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	var result *multierror.Error
	for _, master := range masters {
		url := restUrl(master) + path
		var reqBody interface{}
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")

		resp, err := client.Do(req)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%s %s", method, url))
			continue
		}
		response, err := decodeResponse(resp)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%s %s", method, url))
			continue
		}
		return response, nil
	}
	if result == nil {
		return nil, errors.New("no spark master configured")
	}
	return nil, result
}

func decodeResponse(resp *http.Response) (*submissionResponse, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Errorf("empty response with status %s", resp.Status)
	}
	response := &submissionResponse{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, errors.Wrapf(err, "malformed response with status %s", resp.Status)
	}
	return response, nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
