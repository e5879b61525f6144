package discover

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slurmscope/slurmscope/pkg/remote"
)

// File describes a discovered output file.
type File struct {
	// Path is the slash-separated path relative to the searched
	// directory.
	Path string `json:"path"`

	// Size is the file size in bytes, or -1 when the listing did not
	// report one.
	Size int64 `json:"size"`

	// ModTime is the last modification time, zero when not reported.
	ModTime time.Time `json:"mod_time"`
}

// ListRemote lists regular files under dir on the channel, filtered by
// the matcher. A nil matcher accepts every file. Results are sorted by
// path.
//
// The listing prefers GNU find's -printf for sizes and mtimes and falls
// back to a plain -print when the remote find does not support it.
func ListRemote(ctx context.Context, ch remote.Channel, dir string, m *Matcher) ([]File, error) {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		dir = "."
	}

	cmd := fmt.Sprintf(`find %s -type f -printf '%%s\t%%T@\t%%P\n'`, shellQuote(dir))
	res, err := ch.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var files []File
	if res.Ok() {
		files = parseFindDetailed(res.Stdout)
	} else {
		res, err = ch.Execute(ctx, fmt.Sprintf(`find %s -type f -print`, shellQuote(dir)))
		if err != nil {
			return nil, err
		}
		if !res.Ok() {
			return nil, fmt.Errorf("list %s on %s: %s", dir, ch.Host(), firstLine(res.Stderr))
		}
		files = parseFindPlain(res.Stdout, dir)
	}

	out := files[:0]
	for _, f := range files {
		if m == nil || m.Match(f.Path) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// StatRemote checks a single path on the channel. It returns found=false
// without error when the path does not exist or is not a regular file.
func StatRemote(ctx context.Context, ch remote.Channel, path string) (File, bool, error) {
	cmd := fmt.Sprintf(`test -f %s && stat -c '%%s %%Y' %s`, shellQuote(path), shellQuote(path))
	res, err := ch.Execute(ctx, cmd)
	if err != nil {
		return File{}, false, err
	}
	if !res.Ok() {
		return File{}, false, nil
	}

	f := File{Path: path, Size: -1}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) == 2 {
		if size, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			f.Size = size
		}
		if epoch, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			f.ModTime = time.Unix(epoch, 0).UTC()
		}
	}
	return f, true, nil
}

// parseFindDetailed parses `find -printf '%s\t%T@\t%P\n'` output. Lines
// that do not parse are skipped.
func parseFindDetailed(stdout string) []File {
	var files []File
	for _, line := range strings.Split(stdout, "\n") {
		parts := strings.SplitN(strings.TrimRight(line, "\r"), "\t", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		size, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		f := File{Path: parts[2], Size: size}
		if epoch, err := strconv.ParseFloat(parts[1], 64); err == nil {
			sec := int64(epoch)
			nsec := int64((epoch - float64(sec)) * 1e9)
			f.ModTime = time.Unix(sec, nsec).UTC()
		}
		files = append(files, f)
	}
	return files
}

// parseFindPlain parses `find -print` output into paths relative to dir.
// Sizes and mtimes are unknown in this mode.
func parseFindPlain(stdout, dir string) []File {
	prefix := dir + "/"
	var files []File
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == dir {
			continue
		}
		files = append(files, File{Path: strings.TrimPrefix(line, prefix), Size: -1})
	}
	return files
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "find failed"
	}
	return s
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
