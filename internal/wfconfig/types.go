// Package wfconfig loads and validates workflow definitions: the set of
// services to run, their dependencies, and the keywords that advance them
// through user-defined states.
package wfconfig

import (
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Defaults for the stop-signal file name and process timeout, overridable
// per workflow.
const (
	DefaultStopSignal     = "stop.txt"
	DefaultProcessTimeout = 10 * time.Second
)

// ServiceType says whether a service is expected to exit (Action) or run
// until stopped (Service).
type ServiceType string

// Recognized service types.
const (
	TypeAction  ServiceType = "action"
	TypeService ServiceType = "service"
)

// DependencyMode controls how a service's dependency.items are combined.
type DependencyMode string

// Recognized dependency modes.
const (
	DependAll DependencyMode = "all"
	DependAny DependencyMode = "any"
)

// KeywordRule is one entry of an ordered state.log or state.file.states
// mapping: if Keyword appears in a tailed line, the service advances to
// State. Order matters: rules are tested in the order they appear in the
// YAML document, and the last rule in the list is the terminal one for
// that tailer.
type KeywordRule struct {
	State   string
	Keyword string
}

// KeywordRules is an ordered list of KeywordRule, decoded from a YAML
// mapping while preserving key order (yaml.v2's generic map decode would
// otherwise scramble it via Go's randomized map iteration).
type KeywordRules []KeywordRule

// UnmarshalYAML implements yaml.Unmarshaler by decoding into a MapSlice,
// which yaml.v2 populates in document order.
func (r *KeywordRules) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var slice yaml.MapSlice
	if err := unmarshal(&slice); err != nil {
		return err
	}

	rules := make(KeywordRules, 0, len(slice))
	for _, item := range slice {
		state, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("state name %v isn't a string", item.Key)
		}
		keyword, ok := item.Value.(string)
		if !ok {
			return fmt.Errorf("keyword for state %q isn't a string", state)
		}
		rules = append(rules, KeywordRule{State: state, Keyword: keyword})
	}

	*r = rules
	return nil
}

// LastState returns the terminal state for this tailer: the state named by
// the last rule, or "" if there are no rules.
func (r KeywordRules) LastState() string {
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1].State
}

// Dependency is a service's wait condition on other services' states.
type Dependency struct {
	Mode  DependencyMode    `yaml:"mode"`
	Items map[string]string `yaml:"items"`
}

// FileState configures a second tailer over a side file.
type FileState struct {
	Path   string       `yaml:"path"`
	States KeywordRules `yaml:"states"`
}

// StateConfig groups a service's two possible tailers.
type StateConfig struct {
	Log  KeywordRules `yaml:"log"`
	File FileState    `yaml:"file"`
}

// FileDependencyItem gates a service's dependency wait on a file reaching a
// minimum size before it's considered present. Supplemented from the
// original shepherd implementation; optional per spec.
type FileDependencyItem struct {
	Path    string `yaml:"path"`
	MinSize int64  `yaml:"min_size"`
}

// FileDependency is the degenerate "file size" tailer run before the
// dependency-state wait.
type FileDependency struct {
	Mode  DependencyMode        `yaml:"mode"`
	Items []FileDependencyItem  `yaml:"items"`
}

// Service is one entry under the workflow's `services` mapping, immutable
// after Load.
type Service struct {
	Name string `yaml:"-"`

	Command string      `yaml:"command"`
	Type    ServiceType `yaml:"type"`

	StdoutPath string `yaml:"stdout_path"`
	StderrPath string `yaml:"stderr_path"`

	Dependency     Dependency     `yaml:"dependency"`
	FileDependency FileDependency `yaml:"file_dependency"`

	State StateConfig `yaml:"state"`
}

// Output controls where per-service logs and the final report land.
type Output struct {
	StdoutDir  string `yaml:"stdout_dir"`
	StateTimes string `yaml:"state_times"`
}

// Workflow is the top-level parsed config file.
type Workflow struct {
	Services map[string]*Service `yaml:"services"`
	Output   Output              `yaml:"output"`

	StopSignal     string         `yaml:"stop_signal"`
	MaxRunTime     *time.Duration `yaml:"-"`
	ProcessTimeout time.Duration  `yaml:"-"`

	// CleanupCommand is supplemented from the original Python
	// implementation: a shell command run once at the start of shutdown.
	CleanupCommand string `yaml:"cleanup_command"`

	// ConfigDir is the directory the config file lives in, used to
	// resolve relative paths. Filled in by Load, not read from YAML.
	ConfigDir string `yaml:"-"`
}
