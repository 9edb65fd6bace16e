package logging

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

var installPrometheusHook sync.Once

// InstallPrometheusHook adds a hook exporting the number of log lines per level as log_messages.
// Calling it more than once has no further effect.
func InstallPrometheusHook() {
	installPrometheusHook.Do(func() {
		log.AddHook(promrus.MustNewPrometheusHook())
	})
}
