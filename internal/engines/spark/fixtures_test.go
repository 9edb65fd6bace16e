package spark

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

const rootPageTemplate = `<html><body>
<div class="row-fluid">
  <ul class="unstyled">
    <li><strong>URL:</strong> spark://10.0.0.1:7077</li>
    <li><strong>REST URL:</strong> spark://10.0.0.1:6066 <span class="rest-uri"> (cluster mode)</span></li>
    <li><strong>Alive Workers:</strong> 2</li>
    <li><strong>Cores in use:</strong> 8 Total, 6 Used</li>
    <li><strong>Memory in use:</strong> 14.0 GB Total, 2.0 GB Used</li>
    <li><strong>Applications:</strong> 1 Running, 5 Completed</li>
    <li><strong>Drivers:</strong> 1 Running, 0 Completed</li>
    <li><strong>Status:</strong> %s</li>
  </ul>
</div>
<h4>Running Drivers (1)</h4>
<table class="table">
  <thead><tr><th>Submission ID</th><th>Submitted Time</th><th>Worker</th><th>State</th></tr></thead>
  <tbody>
    <tr>
      <td>driver-001 (<a href="/driver/kill/?id=driver-001">kill</a>)</td>
      <td>2017/04/10 12:00:00</td>
      <td><a href="%s">worker-20170410120000-10.0.0.2-40000</a></td>
      <td>RUNNING</td>
    </tr>
  </tbody>
</table>
</body></html>`

const driverLogPage = `<html><body><pre>
17/04/10 12:00:01 INFO SparkContext: Running Spark version 2.1.0
17/04/10 12:00:05 INFO StandaloneSchedulerBackend: Connected to Spark cluster with app ID app-20170410120005-0042
</pre></body></html>`

const appPageTemplate = `<html><body><table>
<tr><td>0</td><td>10.0.0.2</td><td><a href="%s/logPage/?appId=app-20170410120005-0042&amp;executorId=0&amp;logType=stdout">stdout</a>
<a href="%s/logPage/?appId=app-20170410120005-0042&amp;executorId=0&amp;logType=stderr">stderr</a></td></tr>
</table></body></html>`

const executorLogPage = `<html><body><pre>executor 0 says hello</pre></body></html>`

// fakeCluster plays master REST server, master web UI and worker web UI on one test server.
type fakeCluster struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	requests    []string
	bodies      []string
	createReply string
	killReply   string
	statusReply string
	status      string
	rootPage    func(url string) string
}

func newFakeCluster(t *testing.T) *fakeCluster {
	fc := &fakeCluster{
		t:           t,
		createReply: `{"action":"CreateSubmissionResponse","submissionId":"driver-001","success":true}`,
		killReply:   `{"action":"KillSubmissionResponse","submissionId":"driver-001","success":true}`,
		status:      "ALIVE",
	}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fc.mu.Lock()
	fc.requests = append(fc.requests, r.Method+" "+r.URL.RequestURI())
	fc.bodies = append(fc.bodies, string(body))
	fc.mu.Unlock()

	switch {
	case r.URL.Path == createPath:
		_, _ = io.WriteString(w, fc.createReply)
	case strings.HasPrefix(r.URL.Path, killPath):
		_, _ = io.WriteString(w, fc.killReply)
	case strings.HasPrefix(r.URL.Path, statusPath):
		_, _ = io.WriteString(w, fc.statusReply)
	case r.URL.Path == "/logPage/" && r.URL.Query().Get("driverId") != "":
		_, _ = io.WriteString(w, driverLogPage)
	case r.URL.Path == "/logPage/":
		_, _ = io.WriteString(w, executorLogPage)
	case r.URL.Path == "/app/":
		_, _ = fmt.Fprintf(w, appPageTemplate, fc.server.URL, fc.server.URL)
	case r.URL.Path == "/":
		if fc.rootPage != nil {
			_, _ = io.WriteString(w, fc.rootPage(fc.server.URL))
			return
		}
		_, _ = fmt.Fprintf(w, rootPageTemplate, fc.status, fc.server.URL)
	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCluster) host() string {
	return strings.TrimPrefix(fc.server.URL, "http://")
}

func (fc *fakeCluster) Requests() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.requests...)
}

func (fc *fakeCluster) LastBody() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(fc.t, fc.bodies)
	return fc.bodies[len(fc.bodies)-1]
}

func (fc *fakeCluster) props() engine.Properties {
	return engine.Properties{
		"sparkMaster":    "spark://" + fc.host(),
		"sparkWebMaster": fc.host(),
		"httpRetryMax":   "0",
	}
}

// unreachableHost returns host:port of a server that has already been shut down.
func unreachableHost() string {
	s := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(s.URL, "http://")
	s.Close()
	return host
}

func newTestClient(t *testing.T, props engine.Properties) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := New(props, logger)
	require.NoError(t, err)
	return c
}
