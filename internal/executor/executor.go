// Package executor runs one service's full lifecycle: wait for
// dependencies, spawn its command, tail its logs for user-defined state
// transitions, observe its exit, and classify the result.
//
// Grounded on shepherd/program_executor.py for the state sequence, and on
// the teacher's service/service.go for the Go shape of process spawning,
// signal handling, and goroutine-based exit watching.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/heewa/shepherd/internal/coordstate"
	"github.com/heewa/shepherd/internal/tailer"
	"github.com/heewa/shepherd/internal/wfconfig"
)

const (
	fileDependencyPollInterval = 500 * time.Millisecond
)

// Executor drives one service through its lifecycle states.
type Executor struct {
	Service   *wfconfig.Service
	WorkDir   string
	Store     *coordstate.Store
}

// New creates an Executor for svc, whose child command will run with cwd
// set to workDir.
func New(svc *wfconfig.Service, workDir string, store *coordstate.Store) *Executor {
	return &Executor{Service: svc, WorkDir: workDir, Store: store}
}

// Run executes the full lifecycle described in spec.md §4.4, blocking
// until the service reaches "final". It never panics out to the caller:
// any unexpected error is logged with a stack trace and still drives the
// service to "final", so the scheduler's "all final" stop condition can
// fire regardless.
func (e *Executor) Run() {
	name := e.Service.Name

	defer func() {
		if r := recover(); r != nil {
			log.Crit("executor panic", "service", name, "err", r, "stack", string(debug.Stack()))
			e.Store.Transition(name, "final")
		}
	}()

	e.Store.Transition(name, "initialized")

	if !e.waitForFileDependencies() {
		e.Store.Transition(name, "stopped_before_execution")
		e.Store.Transition(name, "final")
		return
	}

	if !e.waitForDependencies() {
		e.Store.Transition(name, "stopped_before_execution")
		e.Store.Transition(name, "final")
		return
	}

	e.Store.Transition(name, "started")

	var tailWG sync.WaitGroup
	tailWG.Add(1)
	go func() {
		defer tailWG.Done()
		tailer.Run(e.Service.StdoutPath, e.Service.State.Log, func(state string) {
			e.Store.Transition(name, state)
		}, e.Store.StopChan())
	}()

	if e.Service.State.File.Path != "" {
		tailWG.Add(1)
		go func() {
			defer tailWG.Done()
			tailer.Run(e.Service.State.File.Path, e.Service.State.File.States, func(state string) {
				e.Store.Transition(name, state)
			}, e.Store.StopChan())
		}()
	}

	exitCode, spawnErr := e.runChild()
	if spawnErr != nil {
		log.Error("failed to spawn service", "service", name, "err", spawnErr)
		e.Store.Transition(name, "failure")
		e.Store.Transition(name, "final")
		tailWG.Wait()
		return
	}

	e.classify(exitCode)
	e.Store.Transition(name, "final")

	tailWG.Wait()
}

// waitForFileDependencies is the supplemented "file dependency" tailer:
// wait for each declared file to exist and reach its minimum size, before
// the dependency-state wait. Returns false if the stop event fired first.
func (e *Executor) waitForFileDependencies() bool {
	items := e.Service.FileDependency.Items
	if len(items) == 0 {
		return true
	}

	for _, item := range items {
		minSize := item.MinSize
		if minSize <= 0 {
			minSize = 1
		}

		for {
			if info, err := os.Stat(item.Path); err == nil && info.Size() >= minSize {
				break
			}

			select {
			case <-e.Store.StopChan():
				return false
			case <-time.After(fileDependencyPollInterval):
			}
		}
	}

	return true
}

// waitForDependencies blocks until the configured dependency items are
// satisfied per the service's mode, or the stop event fires. Dependency
// waits observe state-times, never the current state, so a deferred
// reader can't miss a transient intermediate state.
func (e *Executor) waitForDependencies() bool {
	deps := e.Service.Dependency.Items
	if len(deps) == 0 {
		return true
	}

	satisfied := func() bool {
		switch e.Service.Dependency.Mode {
		case wfconfig.DependAny:
			for dep, state := range deps {
				if e.Store.HasReachedState(dep, state) {
					return true
				}
			}
			return false
		default: // DependAll
			for dep, state := range deps {
				if !e.Store.HasReachedState(dep, state) {
					return false
				}
			}
			return true
		}
	}

	e.Store.WaitFor(satisfied)

	return satisfied()
}

// runChild spawns the service's command in a new process group (Setpgid,
// so the shell becomes the leader of a fresh process group) and blocks
// until it exits, returning its exit code. The returned code is negative
// (-signal) when the process was killed by a signal; exitCodeOf reads that
// from the wait status, since ExitError.ExitCode alone reports -1 there.
func (e *Executor) runChild() (int, error) {
	name := e.Service.Name

	outFile, err := os.Create(e.Service.StdoutPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout file: %v", err)
	}
	defer outFile.Close()

	errFile, err := os.Create(e.Service.StderrPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open stderr file: %v", err)
	}
	defer errFile.Close()

	cmd := exec.Command("sh", "-c", e.Service.Command)
	cmd.Dir = e.WorkDir
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		e.Store.PublishPGID(name, pgid)
	} else {
		// Shouldn't happen right after Start with Setpgid, but don't let
		// it crash the executor; the scheduler just won't be able to
		// force-kill this one during shutdown.
		log.Warn("failed to read pgid after spawn", "service", name, "err", err)
	}

	// cmd.Wait() already blocks until the child exits without busy-polling;
	// that's the idiomatic Go replacement for spec.md's "poll child
	// liveness at ~100ms" loop (see DESIGN.md). Running it in a goroutine
	// lets the caller still be a select if a future caller needs to race
	// it against something else.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	err = <-done
	return exitCodeOf(err), nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	return -1
}

// classify applies spec.md's first-matching-rule table.
func (e *Executor) classify(exitCode int) {
	name := e.Service.Name
	stopped := e.Store.Stopped()

	switch {
	case stopped && exitCode == -int(syscall.SIGTERM):
		e.Store.Transition(name, "stopped")

	case e.Service.Type == wfconfig.TypeService && !stopped:
		log.Error("service exited unexpectedly", "service", name, "exitCode", exitCode)
		e.Store.Transition(name, "failure")

	case e.Service.Type == wfconfig.TypeAction:
		if exitCode == 0 {
			e.Store.Transition(name, "action_success")
		} else {
			e.Store.Transition(name, "action_failure")
		}
	}
}
