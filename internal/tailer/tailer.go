// Package tailer follows a growing, append-only file and publishes state
// transitions when keywords appear in newly-written lines.
//
// Grounded on the teacher's service/service.go:watchOutput (a
// bufio.Scanner over a live pipe, one goroutine per stream) and on
// shepherd/log_monitor.py's readline+sleep polling loop, which this keeps
// rather than wiring up inotify: the spec explicitly doesn't require
// following rotation or using filesystem notification, only append-only
// polling.
package tailer

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/heewa/shepherd/internal/wfconfig"
)

const (
	existsPollInterval = 100 * time.Millisecond
	eofPollInterval    = 50 * time.Millisecond
)

// OnTransition is called for each matched keyword, with the state it
// advanced to.
type OnTransition func(state string)

// Run tails path, matching each newline-terminated line against rules in
// insertion order. On the first keyword match within a line, it invokes
// onTransition for that state; a line may match more than one rule, in
// which case each matched state fires in order with the same effective
// timestamp (the caller decides the timestamp). Tailing stops once the
// rule naming the map's last state matches, the file turns out not to be
// a regular file, an I/O error occurs, or stop is closed.
//
// An empty rule set returns immediately without even waiting for the file
// to exist.
func Run(path string, rules wfconfig.KeywordRules, onTransition OnTransition, stop <-chan struct{}) {
	if len(rules) == 0 {
		return
	}

	lastState := rules.LastState()

	if !waitForFile(path, stop) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Warn("tailer: failed to stat file", "path", path, "err", err)
		return
	}
	if !info.Mode().IsRegular() {
		log.Warn("tailer: not a regular file, not tailing", "path", path)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warn("tailer: failed to open file", "path", path, "err", err)
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var partial string

	for {
		select {
		case <-stop:
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// An unterminated trailing line is held back until the
				// rest of it, with its newline, has been appended.
				partial += line
				select {
				case <-stop:
					return
				case <-time.After(eofPollInterval):
				}
				continue
			} else {
				log.Warn("tailer: read error", "path", path, "err", err)
				return
			}
		}
		line = partial + line
		partial = ""

		if line == "" {
			continue
		}

		for _, rule := range rules {
			if rule.Keyword != "" && strings.Contains(line, rule.Keyword) {
				onTransition(rule.State)
				if rule.State == lastState {
					return
				}
			}
		}
	}
}

func waitForFile(path string, stop <-chan struct{}) bool {
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}

		select {
		case <-stop:
			return false
		case <-time.After(existsPollInterval):
		}
	}
}
