// Command acmexds runs the ACME issuance/renewal control plane and its
// xDS transport described by the configuration file given as the single
// positional argument (§6). Bootstrap sequencing (parse flags, build an
// early logger, load config, wire the app, run, map errors to exit
// codes) follows the teacher repo's cmd/restinpieces/main.go.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/caasmo/acmexds/app"
	"github.com/caasmo/acmexds/config"
	"github.com/caasmo/acmexds/logging"
)

const (
	exitOK          = 0
	exitConfigError = 2
	exitRuntimeError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
	}
	flag.Parse()

	logger := logging.NewDefault()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitConfigError
	}
	configPath := flag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", configPath, "error", err)
		return exitConfigError
	}

	a, err := app.New(cfg, configPath, logger)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return exitRuntimeError
	}

	if code := a.Run(); code != exitOK {
		return code
	}
	return exitOK
}
