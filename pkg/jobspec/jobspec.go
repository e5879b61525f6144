// Package jobspec provides loading, validation, and rendering of slurmscope
// job specifications.
//
// A job spec is a YAML or JSON file describing a single batch job: the
// command to run, the resources it needs, and where its output should land.
// Specs are validated against a JSON Schema before use and rendered into a
// deterministic submission request (batch script plus submit command).
//
// Example spec (YAML):
//
//	version: "1.0"
//	name: train-alpha
//	cluster: hpc-main
//	command: |
//	  python train.py --epochs 100
//	resources:
//	  cpus_per_task: 8
//	  memory: 16G
//	  time_limit: "12:00:00"
//	  partition: gpu
//	output:
//	  stdout: "logs/{name}-{jobid}.out"
//	  stderr: "logs/{name}-{jobid}.err"
package jobspec

import (
	"fmt"
	"regexp"
	"strings"
)

// JobSpec is a declarative description of one batch job. Specs are treated
// as immutable once built into a submission request; derived values carry a
// hash of the spec so the generating version stays identifiable.
type JobSpec struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the spec schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name identifies the job. Used for the scheduler job name and in
	// output path templates.
	Name string `json:"name" yaml:"name"`

	// Cluster names the configured remote host the job runs on.
	Cluster string `json:"cluster,omitempty" yaml:"cluster,omitempty"`

	// Command is the script body executed by the job.
	Command string `json:"command" yaml:"command"`

	// Workdir is the remote working directory. Optional.
	Workdir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Account is the scheduler accounting group to charge. Optional.
	Account string `json:"account,omitempty" yaml:"account,omitempty"`

	// Resources configures the scheduler resource request.
	Resources ResourceConfig `json:"resources,omitempty" yaml:"resources,omitempty"`

	// Env is exported into the job environment before the command runs.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Output configures stdout/stderr destinations (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// ResourceConfig is the scheduler resource request.
//
// All fields are optional with defaults applied during loading. Memory and
// TimeLimit use the scheduler's own syntax so values pass through verbatim.
type ResourceConfig struct {
	// CPUsPerTask is the CPU count per task. Default: 1.
	CPUsPerTask int `json:"cpus_per_task,omitempty" yaml:"cpus_per_task,omitempty"`

	// Tasks is the task count. Default: 1.
	Tasks int `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// Nodes is the node count. Default: 1.
	Nodes int `json:"nodes,omitempty" yaml:"nodes,omitempty"`

	// Memory is the per-node memory request, e.g. "16G" or "64000M".
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`

	// TimeLimit is the wall clock limit, [days-]hh:mm:ss or plain minutes.
	TimeLimit string `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`

	// Partition is the scheduler partition to submit into.
	Partition string `json:"partition,omitempty" yaml:"partition,omitempty"`

	// Array is an optional array task range, e.g. "0-9" or "0-15%4".
	Array string `json:"array,omitempty" yaml:"array,omitempty"`
}

// OutputConfig declares where job stdout and stderr land on the remote side.
// Paths are templates; see PathTemplate for placeholder syntax. Empty values
// leave the scheduler default in place.
type OutputConfig struct {
	Stdout string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

// Default values for optional spec fields.
const (
	// DefaultVersion is the current spec schema version.
	DefaultVersion = "1.0"

	// DefaultTasks is the default task count.
	DefaultTasks = 1

	// DefaultNodes is the default node count.
	DefaultNodes = 1

	// DefaultCPUsPerTask is the default CPU count per task.
	DefaultCPUsPerTask = 1
)

// ApplyDefaults fills in default values for optional fields.
func (s *JobSpec) ApplyDefaults() {
	if s.Resources.Tasks == 0 {
		s.Resources.Tasks = DefaultTasks
	}
	if s.Resources.Nodes == 0 {
		s.Resources.Nodes = DefaultNodes
	}
	if s.Resources.CPUsPerTask == 0 {
		s.Resources.CPUsPerTask = DefaultCPUsPerTask
	}
}

// InvalidSpecError reports a structural problem with a job spec. It is
// returned synchronously by Validate and Build, before any remote call.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid job spec: %s: %s", e.Field, e.Reason)
}

var (
	nameRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	memRe    = regexp.MustCompile(`^\d+[KMGT]?$`)
	timeRe   = regexp.MustCompile(`^(\d+-)?\d{1,2}:\d{2}(:\d{2})?$|^\d+$`)
	arrayRe  = regexp.MustCompile(`^\d+(-\d+)?(,\d+(-\d+)?)*(%\d+)?$`)
	envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks spec invariants that the JSON schema cannot express, such
// as scheduler value syntax and template compilation. It never touches the
// network and returns an InvalidSpecError on the first problem found.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &InvalidSpecError{Field: "name", Reason: "is required"}
	}
	if !nameRe.MatchString(s.Name) {
		return &InvalidSpecError{Field: "name", Reason: fmt.Sprintf("%q contains unsupported characters", s.Name)}
	}
	if strings.TrimSpace(s.Command) == "" {
		return &InvalidSpecError{Field: "command", Reason: "is required"}
	}
	if s.Resources.CPUsPerTask < 0 {
		return &InvalidSpecError{Field: "resources.cpus_per_task", Reason: "must not be negative"}
	}
	if s.Resources.Tasks < 0 {
		return &InvalidSpecError{Field: "resources.tasks", Reason: "must not be negative"}
	}
	if s.Resources.Nodes < 0 {
		return &InvalidSpecError{Field: "resources.nodes", Reason: "must not be negative"}
	}
	if m := s.Resources.Memory; m != "" && !memRe.MatchString(m) {
		return &InvalidSpecError{Field: "resources.memory", Reason: fmt.Sprintf("%q is not a valid memory request", m)}
	}
	if tl := s.Resources.TimeLimit; tl != "" && !timeRe.MatchString(tl) {
		return &InvalidSpecError{Field: "resources.time_limit", Reason: fmt.Sprintf("%q is not a valid time limit", tl)}
	}
	if a := s.Resources.Array; a != "" && !arrayRe.MatchString(a) {
		return &InvalidSpecError{Field: "resources.array", Reason: fmt.Sprintf("%q is not a valid array range", a)}
	}
	for k := range s.Env {
		if !envKeyRe.MatchString(k) {
			return &InvalidSpecError{Field: "env", Reason: fmt.Sprintf("%q is not a valid environment variable name", k)}
		}
	}
	if out := s.Output.Stdout; out != "" {
		if _, err := CompilePathTemplate(out); err != nil {
			return &InvalidSpecError{Field: "output.stdout", Reason: err.Error()}
		}
	}
	if out := s.Output.Stderr; out != "" {
		if _, err := CompilePathTemplate(out); err != nil {
			return &InvalidSpecError{Field: "output.stderr", Reason: err.Error()}
		}
	}
	return nil
}
