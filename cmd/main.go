package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/app"
	"github.com/aosanya/HiveCortex/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("HiveCortex\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(app.ExitOK)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("Failed to load configuration")
		os.Exit(app.ExitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		os.Exit(app.ExitConfigInvalid)
	}

	// Initialize logger
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}).Info("Starting HiveCortex")

	// Wire and run the runtime
	application, err := app.New(cfg)
	if err != nil {
		if errors.Is(err, app.ErrStoreUnreachable) {
			logrus.WithError(err).Error("State store unreachable at startup")
			os.Exit(app.ExitStoreFailure)
		}
		logrus.WithError(err).Error("Failed to initialize runtime")
		os.Exit(app.ExitConfigInvalid)
	}

	os.Exit(application.Run())
}
