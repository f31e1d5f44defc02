package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blang/semver"
	log "github.com/inconshreveable/log15"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/heewa/shepherd/internal/scheduler"
	"github.com/heewa/shepherd/internal/shepherdlog"
	"github.com/heewa/shepherd/internal/wfconfig"
)

// Version of this package.
var Version = semver.MustParse("0.1.0-alpha.1")

var (
	verbosity = kingpin.Flag("verbose", "Increase log verbosity, can be used multiple times").Short('v').Counter()
	logPath   = kingpin.Flag("log", "Path to write logs to, defaults to stdout").Default("-").String()

	runDir  = kingpin.Flag("run-dir", "Directory holding this run's control files (stop-signal lives under run-dir/control)").Required().ExistingDir()
	config  = kingpin.Flag("config", "Path to the workflow config file").Required().ExistingFile()
	workDir = kingpin.Flag("work-dir", "Working directory for service commands and relative output paths, defaults to run-dir").String()
	quiet   = kingpin.Flag("quiet", "Suppress the colorized console summary printed after the run").Short('q').Bool()

	versionCmd = kingpin.Command("version", "Print the version and exit")
	runCmd     = kingpin.Command("run", "Run the configured workflow to completion").Default()
)

func main() {
	cmd := kingpin.Parse()

	logLevel := log.Lvl(*verbosity) + log.LvlWarn
	if logLevel > log.LvlDebug {
		logLevel = log.LvlDebug
	}

	if err := shepherdlog.Config(*logPath, logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case versionCmd.FullCommand():
		fmt.Println(Version.String())

	case runCmd.FullCommand():
		if err := run(); err != nil {
			log.Crit("workflow failed", "err", err)
			os.Exit(1)
		}
	}
}

func run() error {
	wf, err := wfconfig.Load(*config)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	wd := *workDir
	if wd == "" {
		wd = *runDir
	}
	if !filepath.IsAbs(wd) {
		abs, err := filepath.Abs(wd)
		if err != nil {
			return fmt.Errorf("failed to resolve work dir: %v", err)
		}
		wd = abs
	}

	s := scheduler.New(wf, *runDir, wd)
	s.Quiet = *quiet

	log.Info("starting workflow", "services", len(wf.Services), "runDir", *runDir, "workDir", wd)

	if err := s.Run(); err != nil {
		return err
	}

	log.Info("workflow complete")

	return nil
}
