// Package scheduler loads a workflow, launches one executor per service in
// dependency-friendly order, watches for any stop condition, and
// coordinates a clean, escalating shutdown.
//
// Grounded on shepherd/service_manager.py's TaskManager for the
// stop-condition loop and shutdown fan-out, and on the teacher's
// server/server.go for the Go idiom of a sync.WaitGroup-based fan-out
// stop and a dedicated signal-handling goroutine.
package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/heewa/shepherd/internal/coordstate"
	"github.com/heewa/shepherd/internal/executor"
	"github.com/heewa/shepherd/internal/reporter"
	"github.com/heewa/shepherd/internal/wfconfig"
)

const stopWatchInterval = 1 * time.Second

// Scheduler drives one workflow run end to end.
type Scheduler struct {
	Workflow *wfconfig.Workflow
	RunDir   string
	WorkDir  string

	// Quiet suppresses the colorized console summary printed after the
	// report is written; the report itself is always written.
	Quiet bool

	store          *coordstate.Store
	startTime      time.Time
	stopSignalPath string

	escalated  map[string]bool
	unkillable []string
}

// New prepares a Scheduler for wf. runDir must exist and be writable; it
// holds the control/ subdirectory that the stop-signal file lives under.
// workDir is the cwd every service's child process runs with.
func New(wf *wfconfig.Workflow, runDir, workDir string) *Scheduler {
	return &Scheduler{
		Workflow:       wf,
		RunDir:         runDir,
		WorkDir:        workDir,
		stopSignalPath: filepath.Join(runDir, "control", wf.StopSignal),
		escalated:      map[string]bool{},
	}
}

// Run executes the full workflow: spawn order, stop-condition watch,
// shutdown, and the final report. It blocks until the workflow is
// completely done.
func (s *Scheduler) Run() error {
	if err := wfconfig.EnsureOutputDirs(s.Workflow); err != nil {
		return err
	}

	order, err := wfconfig.TopoSort(s.Workflow)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.store = coordstate.New(order, s.startTime)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Info("received signal, stopping workflow", "signal", sig)
			s.store.RequestStop()
		case <-s.store.StopChan():
		}
	}()

	var wg sync.WaitGroup
	for _, name := range order {
		svc := s.Workflow.Services[name]
		ex := executor.New(svc, s.WorkDir, s.store)

		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.Run()
		}()

		log.Debug("spawned executor", "service", name)
	}
	log.Debug("all executors spawned")

	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		s.watchStopConditions()
	}()

	wg.Wait()
	watchWG.Wait()

	if err := s.removeStopSignalFile(); err != nil {
		log.Warn("failed to remove stop-signal file", "path", s.stopSignalPath, "err", err)
	}

	snapshot := s.store.StateTimesSnapshot()
	reportPath := reporter.ReportPath(s.WorkDir, s.Workflow.Output.StateTimes)
	if err := reporter.WriteJSON(reportPath, snapshot); err != nil {
		return fmt.Errorf("failed to write state-times report: %v", err)
	}

	if !s.Quiet {
		fmt.Println(reporter.Summary(snapshot, s.startTime))
	}

	if escalated := s.EscalatedServices(); len(escalated) > 0 {
		log.Warn("services did not stop in time and were force-killed", "services", escalated)
	}
	if len(s.unkillable) > 0 {
		log.Warn("some services could not be force-killed", "services", s.unkillable)
	}

	return nil
}

// watchStopConditions runs the stop-condition loop: it wakes at least
// every second and requests a stop as soon as the stop-signal file
// exists, max_run_time elapses, or every service has reached "final".
// Once the stop event fires (from here or anywhere else), it runs
// shutdown.
func (s *Scheduler) watchStopConditions() {
	for !s.store.Stopped() {
		if s.stopSignalFilePresent() || s.maxRunTimeExceeded() || s.store.AllFinal() {
			s.store.RequestStop()
			break
		}

		select {
		case <-s.store.StopChan():
		case <-time.After(stopWatchInterval):
		}
	}

	s.shutdown()
}

func (s *Scheduler) stopSignalFilePresent() bool {
	info, err := os.Stat(s.stopSignalPath)
	return err == nil && info.Mode().IsRegular()
}

func (s *Scheduler) maxRunTimeExceeded() bool {
	if s.Workflow.MaxRunTime == nil {
		return false
	}
	return time.Since(s.startTime) > *s.Workflow.MaxRunTime
}

// shutdown runs the optional cleanup command, then signals every known
// process group, waiting up to ProcessTimeout for each before escalating
// to SIGKILL.
func (s *Scheduler) shutdown() {
	if s.Workflow.CleanupCommand != "" {
		log.Debug("running cleanup command", "command", s.Workflow.CleanupCommand)
		cmd := exec.Command("sh", "-c", s.Workflow.CleanupCommand)
		cmd.Dir = s.WorkDir
		if err := cmd.Run(); err != nil {
			log.Error("cleanup command failed", "err", err)
		}
	}

	pgids := s.store.PGIDs()
	for name, pgid := range pgids {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			log.Debug("process group already gone", "service", name, "pgid", pgid, "err", err)
		}
	}

	timeout := s.Workflow.ProcessTimeout
	if timeout <= 0 {
		timeout = wfconfig.DefaultProcessTimeout
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-deadline:
			break waitLoop
		case <-ticker.C:
			if s.store.AllFinal() {
				break waitLoop
			}
		}
	}

	for name, pgid := range pgids {
		if s.store.CurrentState(name) == "final" {
			continue
		}

		log.Warn("service did not stop in time, escalating to SIGKILL", "service", name, "pgid", pgid)
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			log.Debug("process group already gone", "service", name, "pgid", pgid, "err", err)
		}
		s.escalated[name] = true
	}

	for name := range s.Workflow.Services {
		if _, hasPGID := pgids[name]; !hasPGID && s.store.CurrentState(name) != "final" {
			s.unkillable = append(s.unkillable, name)
		}
	}
}

func (s *Scheduler) removeStopSignalFile() error {
	if _, err := os.Stat(s.stopSignalPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(s.stopSignalPath)
}

// EscalatedServices returns the names of services that needed SIGKILL
// during the most recent shutdown.
func (s *Scheduler) EscalatedServices() []string {
	names := make([]string, 0, len(s.escalated))
	for name := range s.escalated {
		names = append(names, name)
	}
	return names
}
