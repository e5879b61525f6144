// Package local implements an archive sink on the local filesystem.
//
// Keys are treated as relative paths under BaseDir. Writes go through a
// temp file and rename so a crash never leaves a partial object.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/slurmscope/slurmscope/pkg/archive"
)

// Sink stores archive objects under a base directory.
type Sink struct {
	baseDir string
}

var _ archive.Sink = (*Sink)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (s *Sink) Close() error { return nil }

func (s *Sink) Store(ctx context.Context, key string, body io.Reader) error {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Store", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Store", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "slurmscope-put-*")
	if err != nil {
		return s.wrapError("Store", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Store", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Store", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Store", key, err)
	}
	return nil
}

func (s *Sink) List(ctx context.Context, prefix string) ([]archive.Entry, error) {
	_ = ctx
	root, err := s.fullPath(prefix)
	if err != nil {
		return nil, s.wrapError("List", prefix, err)
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []archive.Entry{}, nil
		}
		return nil, s.wrapError("List", prefix, err)
	}

	var entries []archive.Entry
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, archive.Entry{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Sink) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Open", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, s.wrapError("Open", key, err)
	}
	return f, nil
}

func (s *Sink) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Sink) wrapError(op, key string, err error) error {
	wrapped := &archive.SinkError{Op: op, Sink: "local", Key: key, Err: err}
	if os.IsNotExist(err) {
		wrapped.Err = archive.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = archive.ErrAccessDenied
	}
	return wrapped
}
