package discover

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoIncludes)

	_, err = New(Config{Includes: []string{"[bad"}})
	require.ErrorIs(t, err, ErrInvalidPattern)

	var perr *PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "[bad", perr.Pattern)
	assert.Equal(t, "pattern [bad: invalid glob pattern", err.Error())

	_, err = New(Config{Includes: []string{"**/*.out"}, Excludes: []string{"[oops"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestMatch(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"**/*.out", "*.log"},
		Excludes: []string{"scratch/**"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"logs/run.out", true},
		{"run.log", true},
		{"deep/nested/run.out", true},
		{"run.csv", false},
		{"scratch/run.out", false},
		{"nested/run.log", false},
		{".cache/run.out", false},
		{"logs/.snapshot/run.out", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatchIncludeHidden(t *testing.T) {
	m, err := New(Config{Includes: []string{"**/*.out"}, IncludeHidden: true})
	require.NoError(t, err)

	assert.True(t, m.Match(".cache/run.out"))
	assert.True(t, m.Match("logs/.snapshot/run.out"))
}

func TestFilter(t *testing.T) {
	m, err := New(Config{Includes: []string{"**/*.out"}})
	require.NoError(t, err)

	got := m.Filter([]string{
		"b/run.out",
		"a/run.out",
		"b/run.out",
		"notes.txt",
		".hidden/run.out",
	})
	assert.Equal(t, []string{"a/run.out", "b/run.out"}, got)
}

func TestGlob(t *testing.T) {
	fsys := fstest.MapFS{
		"run.log":                  {Data: []byte("log")},
		"results/summary.csv":      {Data: []byte("s")},
		"results/day1/metrics.csv": {Data: []byte("m")},
		"results/day1/metrics.bak": {Data: []byte("old")},
		"results/.cache/tmp.csv":   {Data: []byte("x")},
		"notes.txt":                {Data: []byte("n")},
	}

	m, err := New(Config{
		Includes: []string{"results/**/*.csv", "*.log"},
		Excludes: []string{"**/*.bak"},
	})
	require.NoError(t, err)

	got, err := m.Glob(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"results/day1/metrics.csv",
		"results/summary.csv",
		"run.log",
	}, got)
}

func TestGlobDeduplicatesOverlappingIncludes(t *testing.T) {
	fsys := fstest.MapFS{
		"results/a.csv": {Data: []byte("a")},
	}

	m, err := New(Config{Includes: []string{"results/**", "results/*.csv"}})
	require.NoError(t, err)

	got, err := m.Glob(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"results/a.csv"}, got)
}

func TestPatternErrorUnwrap(t *testing.T) {
	perr := &PatternError{Pattern: "x", Err: ErrInvalidPattern}
	assert.True(t, errors.Is(perr, ErrInvalidPattern))
}
