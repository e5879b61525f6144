package jobspec

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// generatorMarker is the versioned header tag written into every rendered
// batch script. Paired with the spec hash it identifies which generation of
// a spec produced a remote job.
const generatorMarker = "slurmscope:v1"

// SubmissionRequest is a fully rendered submission: the batch script body,
// the name it should be uploaded under, and the identity hash of the spec
// that produced it.
type SubmissionRequest struct {
	Script     string
	ScriptName string
	SpecHash   string
	BuiltAt    time.Time
}

// Build renders a job spec into a submission request.
//
// Build is deterministic: the current time is an explicit input, and the
// same (spec, now) pair always yields byte-identical output, so a past
// submission can be regenerated and audited. Validation failures surface as
// InvalidSpecError before anything else happens; Build never touches the
// network.
func Build(spec JobSpec, now time.Time) (*SubmissionRequest, error) {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	hash, err := HashSpec(&spec)
	if err != nil {
		return nil, err
	}

	built := now.UTC().Truncate(time.Second)

	// The remote job ID does not exist yet at render time; templates defer
	// to the scheduler's own escape and let it fill the ID in.
	vals := Values{Name: spec.Name, JobID: "%j", Cluster: spec.Cluster, Date: built}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# %s spec=%s built=%s\n", generatorMarker, hash, built.Format(time.RFC3339))
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", spec.Name)
	if p := spec.Resources.Partition; p != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", p)
	}
	if a := spec.Account; a != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", a)
	}
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", spec.Resources.Nodes)
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", spec.Resources.Tasks)
	fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", spec.Resources.CPUsPerTask)
	if m := spec.Resources.Memory; m != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", m)
	}
	if tl := spec.Resources.TimeLimit; tl != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", tl)
	}
	if ar := spec.Resources.Array; ar != "" {
		fmt.Fprintf(&b, "#SBATCH --array=%s\n", ar)
	}
	if out := spec.Output.Stdout; out != "" {
		rendered, err := renderPath(out, vals)
		if err != nil {
			return nil, &InvalidSpecError{Field: "output.stdout", Reason: err.Error()}
		}
		fmt.Fprintf(&b, "#SBATCH --output=%s\n", rendered)
	}
	if out := spec.Output.Stderr; out != "" {
		rendered, err := renderPath(out, vals)
		if err != nil {
			return nil, &InvalidSpecError{Field: "output.stderr", Reason: err.Error()}
		}
		fmt.Fprintf(&b, "#SBATCH --error=%s\n", rendered)
	}
	if wd := spec.Workdir; wd != "" {
		fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", wd)
	}

	if len(spec.Env) > 0 {
		b.WriteString("\n")
		for _, k := range sortedEnvKeys(spec.Env) {
			fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(spec.Env[k]))
		}
	}

	b.WriteString("\n")
	b.WriteString(strings.TrimRight(spec.Command, "\n"))
	b.WriteString("\n")

	return &SubmissionRequest{
		Script:     b.String(),
		ScriptName: fmt.Sprintf("%s-%s.sbatch", spec.Name, built.Format("20060102-150405")),
		SpecHash:   hash,
		BuiltAt:    built,
	}, nil
}

// OutputPaths renders the spec's declared output templates for a concrete
// job, used for output discovery after the job finishes. Scheduler escapes
// the script left for the scheduler to expand are resolved here with the
// now-known values.
func (s *JobSpec) OutputPaths(jobID string, date time.Time) ([]string, error) {
	vals := Values{Name: s.Name, JobID: jobID, Cluster: s.Cluster, Date: date}
	var out []string
	for _, tmpl := range []string{s.Output.Stdout, s.Output.Stderr} {
		if tmpl == "" {
			continue
		}
		p, err := renderPath(tmpl, vals)
		if err != nil {
			return nil, err
		}
		p = strings.ReplaceAll(p, "%j", jobID)
		p = strings.ReplaceAll(p, "%x", s.Name)
		out = append(out, p)
	}
	return out, nil
}

func renderPath(tmpl string, vals Values) (string, error) {
	t, err := CompilePathTemplate(tmpl)
	if err != nil {
		return "", err
	}
	return t.Apply(vals)
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
