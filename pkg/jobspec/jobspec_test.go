package jobspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validSpecYAML returns a minimal valid job spec in YAML format.
func validSpecYAML() string {
	return `version: "1.0"
name: train-alpha
command: |
  python train.py --epochs 100
`
}

// fullSpecYAML returns a complete job spec with all optional fields.
func fullSpecYAML() string {
	return `version: "1.0"
name: train-alpha
cluster: hpc-main
command: |
  python train.py --epochs 100
workdir: /scratch/alice/train
account: acct-ml
resources:
  cpus_per_task: 8
  tasks: 1
  nodes: 2
  memory: 16G
  time_limit: "12:00:00"
  partition: gpu
  array: "0-3"
env:
  OMP_NUM_THREADS: "8"
  RUN_TAG: alpha
output:
  stdout: "logs/{name}-{jobid}.out"
  stderr: "logs/{name}-{jobid}.err"
`
}

func validSpecJSON() string {
	return `{
  "version": "1.0",
  "name": "train-alpha",
  "command": "python train.py"
}`
}

func writeSpecFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, s *JobSpec)
	}{
		{
			name:     "valid YAML spec",
			content:  validSpecYAML(),
			filename: "job.yaml",
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "1.0", s.Version)
				assert.Equal(t, "train-alpha", s.Name)
				assert.Contains(t, s.Command, "python train.py")
				assert.Equal(t, DefaultTasks, s.Resources.Tasks)
				assert.Equal(t, DefaultNodes, s.Resources.Nodes)
				assert.Equal(t, DefaultCPUsPerTask, s.Resources.CPUsPerTask)
			},
		},
		{
			name:     "valid JSON spec",
			content:  validSpecJSON(),
			filename: "job.json",
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "train-alpha", s.Name)
			},
		},
		{
			name:     "full spec",
			content:  fullSpecYAML(),
			filename: "job.yaml",
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "hpc-main", s.Cluster)
				assert.Equal(t, 8, s.Resources.CPUsPerTask)
				assert.Equal(t, 2, s.Resources.Nodes)
				assert.Equal(t, "0-3", s.Resources.Array)
				assert.Equal(t, "8", s.Env["OMP_NUM_THREADS"])
				assert.Equal(t, "logs/{name}-{jobid}.out", s.Output.Stdout)
			},
		},
		{
			name:        "missing required name",
			content:     "version: \"1.0\"\ncommand: echo hi\n",
			filename:    "job.yaml",
			wantErr:     true,
			errContains: "name",
		},
		{
			name:        "unknown field rejected",
			content:     validSpecYAML() + "queue: gpu\n",
			filename:    "job.yaml",
			wantErr:     true,
			errContains: "additional",
		},
		{
			name:        "wrong version",
			content:     strings.Replace(validSpecYAML(), `"1.0"`, `"9.9"`, 1),
			filename:    "job.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name:        "invalid YAML",
			content:     "version: [unclosed",
			filename:    "job.yaml",
			wantErr:     true,
			errContains: "YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSpecFile(t, tt.filename, tt.content)
			spec, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains))
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, spec)
			if tt.validate != nil {
				tt.validate(t, spec)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromBytesEmpty(t *testing.T) {
	_, err := LoadFromBytes(nil, "job.yaml")
	require.Error(t, err)
}

func TestValidationErrorsUnwrap(t *testing.T) {
	errs := ValidationErrors{{Path: "/name", Message: "is required"}}
	assert.True(t, errors.Is(errs, ErrValidationFailed))
}

func TestValidate(t *testing.T) {
	base := func() JobSpec {
		return JobSpec{
			Version: "1.0",
			Name:    "train-alpha",
			Command: "echo hi",
			Resources: ResourceConfig{
				CPUsPerTask: 1, Tasks: 1, Nodes: 1,
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*JobSpec)
		wantField string
	}{
		{"valid", func(s *JobSpec) {}, ""},
		{"empty name", func(s *JobSpec) { s.Name = "" }, "name"},
		{"bad name characters", func(s *JobSpec) { s.Name = "bad name!" }, "name"},
		{"empty command", func(s *JobSpec) { s.Command = "  " }, "command"},
		{"negative cpus", func(s *JobSpec) { s.Resources.CPUsPerTask = -1 }, "resources.cpus_per_task"},
		{"bad memory", func(s *JobSpec) { s.Resources.Memory = "lots" }, "resources.memory"},
		{"good memory", func(s *JobSpec) { s.Resources.Memory = "16G" }, ""},
		{"bad time limit", func(s *JobSpec) { s.Resources.TimeLimit = "later" }, "resources.time_limit"},
		{"time limit minutes", func(s *JobSpec) { s.Resources.TimeLimit = "90" }, ""},
		{"time limit with days", func(s *JobSpec) { s.Resources.TimeLimit = "2-12:00:00" }, ""},
		{"bad array", func(s *JobSpec) { s.Resources.Array = "a-b" }, "resources.array"},
		{"array with throttle", func(s *JobSpec) { s.Resources.Array = "0-15%4" }, ""},
		{"bad env key", func(s *JobSpec) { s.Env = map[string]string{"1BAD": "x"} }, "env"},
		{"bad stdout template", func(s *JobSpec) { s.Output.Stdout = "logs/{unclosed" }, "output.stdout"},
		{"unknown placeholder", func(s *JobSpec) { s.Output.Stderr = "logs/{nope}.err" }, "output.stderr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var invalid *InvalidSpecError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.wantField, invalid.Field)
		})
	}
}
