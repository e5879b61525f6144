package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/slurmscope/slurmscope/pkg/discover"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Output is one located (or missing) job output file.
type Output struct {
	// Path is the remote path, workdir-relative paths already joined.
	Path string `json:"path"`

	// Size is the file size in bytes, -1 when unknown or missing.
	Size int64 `json:"size"`

	// ModTime is the last modification time, zero when unknown.
	ModTime time.Time `json:"mod_time"`

	// Declared is true for paths coming from the spec's output templates,
	// false for files found by a glob.
	Declared bool `json:"declared"`

	// Found is false for a declared path that does not exist remotely.
	Found bool `json:"found"`
}

// Outputs locates the job's output files on its cluster: the spec's
// declared stdout/stderr paths are checked individually, then any extra
// glob patterns are matched against the job's working directory.
// Declared paths are reported even when missing.
func (e *Engine) Outputs(ctx context.Context, h jobregistry.Handle, globs []string) ([]Output, error) {
	rec, err := e.registry.Get(h)
	if err != nil {
		return nil, err
	}
	if rec.RemoteJobID == "" {
		return nil, fmt.Errorf("job %s has no remote identity", h)
	}

	date := rec.CreatedAt
	if rec.SubmittedAt != nil {
		date = *rec.SubmittedAt
	}
	declared, err := rec.Spec.OutputPaths(rec.RemoteJobID, date)
	if err != nil {
		return nil, err
	}

	var outs []Output
	err = e.withChannel(ctx, rec.Spec.Cluster, func(ch remote.Channel) error {
		seen := make(map[string]bool)
		for _, p := range declared {
			if !path.IsAbs(p) && rec.Spec.Workdir != "" {
				p = path.Join(rec.Spec.Workdir, p)
			}
			if seen[p] {
				continue
			}
			seen[p] = true

			f, found, err := discover.StatRemote(ctx, ch, p)
			if err != nil {
				return err
			}
			out := Output{Path: p, Size: -1, Declared: true, Found: found}
			if found {
				out.Size = f.Size
				out.ModTime = f.ModTime
			}
			outs = append(outs, out)
		}

		if len(globs) == 0 {
			return nil
		}
		m, err := discover.New(discover.Config{Includes: globs})
		if err != nil {
			return err
		}
		dir := rec.Spec.Workdir
		if dir == "" {
			dir = "."
		}
		files, err := discover.ListRemote(ctx, ch, dir, m)
		if err != nil {
			return err
		}
		for _, f := range files {
			full := f.Path
			if dir != "." {
				full = path.Join(dir, f.Path)
			}
			if seen[full] {
				continue
			}
			seen[full] = true
			outs = append(outs, Output{Path: full, Size: f.Size, ModTime: f.ModTime, Found: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}
