package wfconfig

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// rawWorkflow mirrors Workflow but keeps the services mapping keyed so we
// can stamp each Service.Name from its map key, and keeps the two
// optional duration fields as plain float seconds the way the config file
// spells them.
type rawWorkflow struct {
	Services map[string]*Service `yaml:"services"`
	Output   Output              `yaml:"output"`

	StopSignal     string   `yaml:"stop_signal"`
	MaxRunTime     *float64 `yaml:"max_run_time"`
	ProcessTimeout *float64 `yaml:"process_timeout"`
	CleanupCommand string   `yaml:"cleanup_command"`
}

// Load reads a workflow config file, fills in defaults, resolves relative
// paths, and validates it (required fields, cyclic dependencies).
// configDir, used to resolve relative paths, is the directory containing
// path.
func Load(path string) (*Workflow, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config (%s): %v", path, err)
	}

	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config (%s): %v", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path (%s): %v", path, err)
	}

	wf := &Workflow{
		Services:       raw.Services,
		Output:         raw.Output,
		StopSignal:     raw.StopSignal,
		CleanupCommand: raw.CleanupCommand,
		ProcessTimeout: DefaultProcessTimeout,
		ConfigDir:      filepath.Dir(absPath),
	}

	if wf.StopSignal == "" {
		wf.StopSignal = DefaultStopSignal
	}
	if raw.MaxRunTime != nil {
		d := time.Duration(*raw.MaxRunTime * float64(time.Second))
		wf.MaxRunTime = &d
	}
	if raw.ProcessTimeout != nil {
		wf.ProcessTimeout = time.Duration(*raw.ProcessTimeout * float64(time.Second))
	}

	if wf.Services == nil {
		wf.Services = map[string]*Service{}
	}
	for name, svc := range wf.Services {
		svc.Name = name
		if svc.Type == "" {
			svc.Type = TypeAction
		}
		if svc.Dependency.Mode == "" {
			svc.Dependency.Mode = DependAll
		}
		if svc.FileDependency.Mode == "" {
			svc.FileDependency.Mode = DependAll
		}
	}

	if err := preprocess(wf); err != nil {
		return nil, err
	}

	if err := Validate(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

// preprocess fills in default/relative stdout, stderr, and state-file
// paths. Relative paths are resolved against output.stdout_dir if set,
// else against the config file's directory.
func preprocess(wf *Workflow) error {
	base := wf.ConfigDir
	if wf.Output.StdoutDir != "" {
		if filepath.IsAbs(wf.Output.StdoutDir) {
			base = wf.Output.StdoutDir
		} else {
			base = filepath.Join(wf.ConfigDir, wf.Output.StdoutDir)
		}
	}

	for name, svc := range wf.Services {
		if svc.StdoutPath == "" {
			svc.StdoutPath = fmt.Sprintf("%s_stdout.log", name)
		}
		if svc.StderrPath == "" {
			svc.StderrPath = fmt.Sprintf("%s_stderr.log", name)
		}
		svc.StdoutPath = resolvePath(base, svc.StdoutPath)
		svc.StderrPath = resolvePath(base, svc.StderrPath)

		if svc.State.File.Path != "" {
			svc.State.File.Path = resolvePath(base, svc.State.File.Path)
		}
	}

	return nil
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Validate checks required fields on every service and ensures the
// dependency graph is acyclic. It returns the first error found, naming
// the offending service or key.
func Validate(wf *Workflow) error {
	for name, svc := range wf.Services {
		if svc.Command == "" {
			return fmt.Errorf("service %q is missing the 'command' key", name)
		}
		if svc.StdoutPath == "" {
			return fmt.Errorf("service %q is missing the 'stdout_path' key", name)
		}
	}

	if _, err := TopoSort(wf); err != nil {
		return err
	}

	return nil
}

// TopoSort returns service names ordered so that every service appears
// after all the services it depends on. It's used only to decide spawn
// order; correctness of runtime ordering comes from the dependency waits,
// not this order. A cyclic dependency graph is a fatal config error.
func TopoSort(wf *Workflow) ([]string, error) {
	v := &sorter{
		wf:       wf,
		visited:  map[string]bool{},
		visiting: map[string]bool{},
	}

	for name := range wf.Services {
		if err := v.visit(name); err != nil {
			return nil, err
		}
	}

	return v.order, nil
}

type sorter struct {
	wf       *Workflow
	visited  map[string]bool
	visiting map[string]bool
	order    []string
}

func (v *sorter) visit(name string) error {
	if v.visiting[name] {
		return fmt.Errorf("cyclic dependency on %s", name)
	}
	if v.visited[name] {
		return nil
	}

	v.visiting[name] = true
	defer delete(v.visiting, name)

	svc := v.wf.Services[name]
	if svc != nil {
		for dep := range svc.Dependency.Items {
			if _, ok := v.wf.Services[dep]; !ok {
				// Unknown deps aren't this function's concern; the
				// dependency wait will simply never see that state and
				// the service will hang until stop_event fires, per the
				// documented behavior for unsatisfiable dependencies.
				continue
			}
			if err := v.visit(dep); err != nil {
				return err
			}
		}
	}

	v.visited[name] = true
	v.order = append(v.order, name)
	return nil
}

// EnsureOutputDirs creates the parent directories of every service's
// stdout/stderr paths. Called once by the scheduler before spawning
// executors, mirroring step 2 of the per-service lifecycle so a missing
// directory is caught early for every service rather than piecemeal.
func EnsureOutputDirs(wf *Workflow) error {
	for name, svc := range wf.Services {
		for _, p := range []string{svc.StdoutPath, svc.StderrPath} {
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return fmt.Errorf("service %q: failed to create output dir for %s: %v", name, p, err)
			}
		}
	}
	return nil
}
