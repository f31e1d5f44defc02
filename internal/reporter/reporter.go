// Package reporter serializes a workflow run's state-times to disk and
// renders a human-friendly console summary of it.
//
// Grounded on shepherd/service_manager.py:save_state_times for the JSON
// shape, and on the teacher's service/info.go for the colorized,
// bullet-prefixed summary idiom (fatih/color + dustin/go-humanize).
package reporter

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	serviceNameColor = color.New(color.FgYellow).SprintfFunc()
	successBullet    = color.GreenString("✔")
	failureBullet    = color.RedString("✘")
	stoppedBullet    = color.YellowString("●")
	pendingBullet    = "●"
)

// Snapshot deep-copies a state-times map via a gob round trip, so the
// caller never hands out a reference that could alias the store's live
// map. Grounded on the teacher's config package, which uses the same
// gob-round-trip trick to compare configs by value.
func Snapshot(stateTimes map[string]map[string]float64) (map[string]map[string]float64, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stateTimes); err != nil {
		return nil, fmt.Errorf("failed to encode state times: %v", err)
	}

	var out map[string]map[string]float64
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode state times: %v", err)
	}

	return out, nil
}

// WriteJSON writes snapshot to path as pretty-printed JSON, creating its
// parent directory if needed.
func WriteJSON(path string, snapshot map[string]map[string]float64) error {
	cp, err := Snapshot(snapshot)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state times: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %v", err)
	}

	return ioutil.WriteFile(path, data, 0644)
}

// Summary renders a one-line-per-service colorized console summary,
// services sorted alphabetically: green for a success path
// (action_success, or final with no failure/stop along the way), red for
// failure/action_failure, yellow for stopped, and a plain bullet for a
// service that hasn't reached any recorded state yet. startTime anchors
// each service's latest timestamp for humanize's relative-time label.
func Summary(stateTimes map[string]map[string]float64, startTime time.Time) string {
	names := make([]string, 0, len(stateTimes))
	for name := range stateTimes {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		bullet, label := classify(stateTimes[name], startTime)
		lines = append(lines, fmt.Sprintf(
			"  %s %s %s",
			bullet,
			serviceNameColor("%-20s", name),
			label))
	}

	return strings.Join(lines, "\n")
}

func classify(times map[string]float64, startTime time.Time) (bullet, label string) {
	if len(times) == 0 {
		return pendingBullet, "(no states reached)"
	}

	state, at := latestState(times)
	when := humanize.Time(startTime.Add(time.Duration(at * float64(time.Second))))
	label = fmt.Sprintf("%s %s", state, when)

	switch {
	case hasAny(times, "failure", "action_failure"):
		return failureBullet, label
	case hasAny(times, "stopped"):
		return stoppedBullet, label
	case hasAny(times, "final", "action_success"):
		return successBullet, label
	default:
		return pendingBullet, label
	}
}

func hasAny(times map[string]float64, states ...string) bool {
	for _, state := range states {
		if _, ok := times[state]; ok {
			return true
		}
	}
	return false
}

func latestState(times map[string]float64) (string, float64) {
	var best string
	var bestTime float64
	first := true
	for state, t := range times {
		if first || t > bestTime {
			best = state
			bestTime = t
			first = false
		}
	}
	return best, bestTime
}

// ReportPath joins workDir and relName, matching how the scheduler
// resolves output.state_times relative to the run's working directory.
func ReportPath(workDir, relName string) string {
	if filepath.IsAbs(relName) {
		return relName
	}
	return filepath.Join(workDir, relName)
}
