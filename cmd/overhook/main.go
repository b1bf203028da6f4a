package main

import (
	"os"

	"github.com/overhook/overhook/cmd/overhook/cmds"
	"github.com/overhook/overhook/pkg/version"
	"github.com/sirupsen/logrus"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.OverhookVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		logrus.WithFields(logrus.Fields{"layer": "overhook"}).Error(err)
		os.Exit(1)
	}
}
