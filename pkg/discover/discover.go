// Package discover locates job output files with doublestar glob
// semantics.
//
// Output paths come from two places: the spec's declared stdout/stderr
// templates, and operator-provided glob patterns for artifacts the job
// wrote beside them. This package handles the second kind, filtering
// directory listings fetched from the cluster or walking a local
// filesystem.
package discover

import (
	"errors"
	"io/fs"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against slash-separated
// file paths. A path matches when it matches at least one include
// pattern and no exclude pattern. The Matcher is safe for concurrent use
// after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that paths must match (at least one).
	// Required.
	Includes []string

	// Excludes are glob patterns that paths must not match (any).
	Excludes []string

	// IncludeHidden controls whether paths with dot-prefixed segments
	// are matched. Default false.
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher, validating every pattern up front.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	for _, p := range append(append([]string{}, cfg.Includes...), cfg.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
	}
	return &Matcher{
		includes:      cfg.Includes,
		excludes:      cfg.Excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// Match reports whether the path passes the include/exclude patterns.
func (m *Matcher) Match(path string) bool {
	if !m.includeHidden && isHidden(path) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, path) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, path) {
			return false
		}
	}
	return true
}

// Filter returns the paths that pass the matcher, sorted and deduplicated.
func (m *Matcher) Filter(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if seen[p] || !m.Match(p) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Glob walks a filesystem and returns the matching file paths, sorted.
// Directories themselves are never returned.
func (m *Matcher) Glob(fsys fs.FS) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, inc := range m.includes {
		matches, err := doublestar.Glob(fsys, inc, doublestar.WithFilesOnly())
		if err != nil {
			return nil, &PatternError{Pattern: inc, Err: err}
		}
		for _, p := range matches {
			if seen[p] || !m.Match(p) {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// matchPattern matches a path against a doublestar pattern. Patterns are
// validated at construction time, so compile errors cannot happen here.
func matchPattern(pattern, path string) bool {
	matched, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return matched
}

// isHidden reports whether any path segment starts with a dot.
func isHidden(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
