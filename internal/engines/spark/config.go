package spark

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	EngineType = "spark"

	DefaultSqlProxyPath      = "/user/spark/sql-proxy.jar"
	DefaultSqlProxyMainClass = "com.enginemaster.sql.SqlProxy"
	DefaultSparkVersion      = "2.1.0"
	DefaultDeployMode        = "cluster"
	DefaultHttpRetryMax      = 1
	DefaultHttpTimeout       = 30 * time.Second
	DefaultMasterCacheTTL    = 10 * time.Second
)

// Config is decoded from the flat properties of the engine type.
type Config struct {
	// REST submission endpoints of the standalone masters, e.g. spark://host:6066. Tried in order.
	SparkMaster []string `mapstructure:"sparkMaster"`
	// Web UI host:port of the masters, used for aliveness, logs and resources.
	SparkWebMaster []string `mapstructure:"sparkWebMaster"`
	// Artifact running submitted scripts.
	SparkSqlProxyPath      string        `mapstructure:"sparkSqlProxyPath"`
	SparkSqlProxyMainClass string        `mapstructure:"sparkSqlProxyMainClass"`
	SparkVersion           string        `mapstructure:"sparkVersion"`
	DeployMode             string        `mapstructure:"deployMode"`
	HttpRetryMax           int           `mapstructure:"httpRetryMax"`
	HttpTimeout            time.Duration `mapstructure:"httpTimeout"`
	MasterCacheTTL         time.Duration `mapstructure:"masterCacheTTL"`
}

// ParseConfig decodes and validates props. Missing endpoints are configuration errors; every other field
// falls back to its default.
func ParseConfig(props engine.Properties, logger logrus.FieldLogger) (*Config, error) {
	config := &Config{HttpRetryMax: -1}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           config,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := decoder.Decode(map[string]string(props)); err != nil {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{EngineType: EngineType, Message: err.Error()})
	}

	config.SparkMaster = trimAll(config.SparkMaster)
	config.SparkWebMaster = trimAll(config.SparkWebMaster)
	if len(config.SparkMaster) == 0 {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{
			EngineType: EngineType,
			Field:      "sparkMaster",
			Message:    "you need to set sparkMaster when using the spark engine",
		})
	}
	if len(config.SparkWebMaster) == 0 {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{
			EngineType: EngineType,
			Field:      "sparkWebMaster",
			Message:    "you need to set sparkWebMaster when using the spark engine",
		})
	}

	if config.SparkSqlProxyPath == "" {
		logger.Infof("Using default spark sql proxy artifact %s", DefaultSqlProxyPath)
		config.SparkSqlProxyPath = DefaultSqlProxyPath
	}
	if config.SparkSqlProxyMainClass == "" {
		logger.Infof("Using default spark sql proxy main class %s", DefaultSqlProxyMainClass)
		config.SparkSqlProxyMainClass = DefaultSqlProxyMainClass
	}
	if config.SparkVersion == "" {
		config.SparkVersion = DefaultSparkVersion
	}
	if config.DeployMode == "" {
		config.DeployMode = DefaultDeployMode
	}
	if config.HttpRetryMax < 0 {
		config.HttpRetryMax = DefaultHttpRetryMax
	}
	if config.HttpTimeout <= 0 {
		config.HttpTimeout = DefaultHttpTimeout
	}
	if config.MasterCacheTTL <= 0 {
		config.MasterCacheTTL = DefaultMasterCacheTTL
	}
	return config, nil
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// restUrl turns spark://host:port (or a bare host:port) into the http base url of the REST server.
func restUrl(master string) string {
	master = strings.TrimSuffix(strings.TrimPrefix(master, "spark://"), "/")
	if strings.HasPrefix(master, "http://") || strings.HasPrefix(master, "https://") {
		return master
	}
	return "http://" + master
}

func webUrl(web string) string {
	web = strings.TrimSuffix(web, "/")
	if strings.HasPrefix(web, "http://") || strings.HasPrefix(web, "https://") {
		return web
	}
	return "http://" + web
}
