// Package shepherdlog configures log15 for the orchestrator process.
package shepherdlog

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/inconshreveable/log15"
)

// Config sets up the root logger. logPath is the destination for log
// output: "-" or "" means stdout, anything else is a file path. It's ok
// to call this more than once.
func Config(logPath string, lvl log.Lvl) error {
	handler := log.StdoutHandler
	if logPath != "" && logPath != "-" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %v", err)
		}

		var err error
		handler, err = log.FileHandler(logPath, log.LogfmtFormat())
		if err != nil {
			return err
		}
	}

	log.Root().SetHandler(
		// Filter first, to avoid unnecessary work
		log.LvlFilterHandler(lvl,
			// Add call stack to Crit calls. See log15.stack.Call.Format()
			LvlStackHandler(log.LvlCrit,
				handler)))

	return nil
}
