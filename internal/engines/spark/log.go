package spark

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	driverLogUrlErrMsg = "parse driver log url error. see the server log for detail."
	driverLogErrMsg    = "parse driver log message error. see the server log for detail."
	appIdErrMsg        = "get spark app id exception. see the server log for detail."
)

// GetLog follows root page -> driver log -> application id -> executor logs. The first step that fails
// ends the chain with a single diagnostic line for the job; later failures only lose the executor logs.
func (c *Client) GetLog(ctx context.Context, engineJobId string) *engine.LogBundle {
	logger := engine.LoggerFrom(ctx, c.logger).WithField("engineJobId", engineJobId)

	root, err := c.getFromMaster(ctx, rootPath)
	if err != nil {
		logger.WithError(err).Warn("Could not read spark master root page")
		return engine.NewDiagnosticBundle(engineJobId, "can not get message from "+rootPath)
	}

	workerUrl, err := parseDriverWorkerUrl(root, engineJobId)
	if err != nil {
		logger.WithError(err).Warn("Could not find spark driver log location")
		return engine.NewDiagnosticBundle(engineJobId, driverLogUrlErrMsg)
	}

	driverPage, err := c.http.get(ctx, driverLogUrl(workerUrl, engineJobId))
	if err != nil {
		logger.WithError(err).Warn("Could not read spark driver log")
		return engine.NewDiagnosticBundle(engineJobId, driverLogErrMsg)
	}
	driverLog := parseLogContent(driverPage)
	if driverLog == "" {
		logger.Warn("Spark driver log is empty")
		return engine.NewDiagnosticBundle(engineJobId, driverLogErrMsg)
	}

	appId, ok := parseAppId(driverLog)
	if !ok {
		logger.Warn("Spark driver log names no application id")
		return engine.NewDiagnosticBundle(engineJobId, appIdErrMsg)
	}

	bundle := &engine.LogBundle{}
	c.addExecutorLogs(ctx, logger, bundle, appId)
	bundle.AddDriverLog(engineJobId, driverLog)
	return bundle
}

func (c *Client) addExecutorLogs(ctx context.Context, logger logrus.FieldLogger, bundle *engine.LogBundle, appId string) {
	appPage, err := c.getFromMaster(ctx, appPagePath(appId))
	if err != nil {
		logger.Warnf("Could not read spark application page of %s: %v", appId, err)
		return
	}
	master, _ := c.aliveWebMaster(ctx)
	for _, link := range parseExecutorLogLinks(appPage) {
		url := link.Url
		if strings.HasPrefix(url, "/") {
			url = master + url
		}
		page, err := c.http.get(ctx, url)
		if err != nil {
			logger.Warnf("Could not read spark executor log %s: %v", url, err)
			continue
		}
		if content := parseLogContent(page); content != "" {
			bundle.AddAppLog(appId+"/"+link.ExecutorId, content)
		}
	}
}
