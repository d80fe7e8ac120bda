// Command dashboard serves the scalar store of a training run read-only.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/tsawler/go-tagnet/dashboard"
	"github.com/tsawler/go-tagnet/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	savePath := fset.String("save_path", "checkpoints", "root directory for checkpoints")
	name := fset.String("name", "tagger", "experiment name")
	db := fset.String("db", "", "scalar store path (overrides save_path/name)")
	addr := fset.String("addr", ":8090", "listen address")
	logLevel := fset.String("log_level", "info", "debug, info, warn or error")
	logOutput := fset.String("log_output", "stderr", "stdout, stderr or a file path")
	err := fset.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 1
	}

	logger, err := logging.NewLogger(&logging.LoggingConfig{Level: *logLevel, Output: *logOutput})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	path := *db
	if path == "" {
		path = dashboard.StorePath(filepath.Join(*savePath, *name))
	}

	store, err := dashboard.Open(path, true)
	if err != nil {
		logger.Error("failed to open scalar store: %v", err)
		return 1
	}
	defer store.Close()

	r := dashboard.NewRouter(store, gin.Logger())

	logger.Info("serving %s on %s", path, *addr)
	if err := r.Run(*addr); err != nil {
		logger.Error("dashboard server stopped: %v", err)
		return 1
	}
	return 0
}
