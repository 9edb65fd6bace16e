package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/cmd/enginemaster/cmd"
	"github.com/enginemaster/enginemaster/internal/common"
	"github.com/enginemaster/enginemaster/internal/common/app"
)

func main() {
	common.ConfigureCommandLineLogging()
	root := cmd.RootCmd()
	if err := root.ExecuteContext(app.CreateContextWithShutdown()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
