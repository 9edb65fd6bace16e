package common

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/enginemaster/enginemaster/internal/common/config"
	"github.com/enginemaster/enginemaster/internal/common/logging"
)

const baseConfigFileName = "config"

// BindCommandlineArguments binds the flags of the standard flag set (if any) to viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads <defaultPath>/config.yaml, merges each of overrideConfigs over it in order, then applies
// ENGINEMASTER_ prefixed environment variables, and decodes the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s name=%s: %v", defaultPath, baseConfigFileName, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix("ENGINEMASTER")
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

// ConfigureLogging sets up logrus for a long running node.
func ConfigureLogging(config logging.Config) {
	if err := logging.Configure(config); err != nil {
		log.Errorf("invalid logging configuration: %v", err)
		os.Exit(-1)
	}
}

// ConfigureCommandLineLogging sets up logrus for the one-shot cli commands.
func ConfigureCommandLineLogging() {
	logging.ConfigureCommandLine()
}

// ServeMetrics starts a prometheus /metrics endpoint and returns a function that stops it.
func ServeMetrics(port uint16) (shutdown func()) {
	return ServeMetricsFor(port, promhttp.Handler())
}

func ServeMetricsFor(port uint16, handler http.Handler) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return ServeHttp(port, mux)
}

// ServeHttp serves mux on port in the background. The returned function shuts the server down.
func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server listening on %d failed: %v", port, err)
		}
	}()

	return func() {
		log.Printf("Stopping http server listening on %d", port)
		if err := srv.Close(); err != nil {
			log.Errorf("Failed to stop http server listening on %d: %v", port, err)
		}
	}
}
