package jobspec

import (
	"fmt"
	"strings"
	"time"
)

// Values supplies the substitutions for one template application.
//
// JobID is unknown at script-render time; callers there pass the scheduler's
// own escape ("%j") so the scheduler expands it, while output discovery after
// the fact passes the real remote ID.
type Values struct {
	Name    string
	JobID   string
	Cluster string
	Date    time.Time
}

type templatePart interface {
	append(dst *strings.Builder, v Values) error
}

type literalPart string

type namePart struct{}

type jobidPart struct{}

type clusterPart struct{}

type datePart struct{}

func (p literalPart) append(dst *strings.Builder, _ Values) error {
	dst.WriteString(string(p))
	return nil
}

func (p namePart) append(dst *strings.Builder, v Values) error {
	if v.Name == "" {
		return fmt.Errorf("{name} has no value")
	}
	dst.WriteString(v.Name)
	return nil
}

func (p jobidPart) append(dst *strings.Builder, v Values) error {
	if v.JobID == "" {
		return fmt.Errorf("{jobid} has no value")
	}
	dst.WriteString(v.JobID)
	return nil
}

func (p clusterPart) append(dst *strings.Builder, v Values) error {
	if v.Cluster == "" {
		return fmt.Errorf("{cluster} has no value")
	}
	dst.WriteString(v.Cluster)
	return nil
}

func (p datePart) append(dst *strings.Builder, v Values) error {
	if v.Date.IsZero() {
		return fmt.Errorf("{date} has no value")
	}
	dst.WriteString(v.Date.UTC().Format("2006-01-02"))
	return nil
}

// PathTemplate is a compiled output path template.
//
// Supported placeholders:
//   - `{name}`: job spec name
//   - `{jobid}`: remote job ID
//   - `{cluster}`: cluster name
//   - `{date}`: date as YYYY-MM-DD
//
// Scheduler escapes like %j or %x are plain literals here and pass through
// untouched; the scheduler expands them on its side.
type PathTemplate struct {
	parts []templatePart
}

// Apply renders the template with the given values.
func (t *PathTemplate) Apply(v Values) (string, error) {
	var b strings.Builder
	for _, part := range t.parts {
		if err := part.append(&b, v); err != nil {
			return "", err
		}
	}

	out := b.String()
	out = strings.ReplaceAll(out, "//", "/")
	if out == "" {
		return "", fmt.Errorf("path template produced empty path")
	}
	return out, nil
}

// CompilePathTemplate parses a template string into a PathTemplate.
func CompilePathTemplate(template string) (*PathTemplate, error) {
	if template == "" {
		return nil, fmt.Errorf("path template is empty")
	}

	var parts []templatePart
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s, '}')
		if closeIdx == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}

		placeholder := s[1:closeIdx]
		if strings.ContainsRune(placeholder, '{') {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}
		s = s[closeIdx+1:]

		part, err := parsePlaceholder(placeholder)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return &PathTemplate{parts: parts}, nil
}

func parsePlaceholder(p string) (templatePart, error) {
	switch p {
	case "name":
		return namePart{}, nil
	case "jobid":
		return jobidPart{}, nil
	case "cluster":
		return clusterPart{}, nil
	case "date":
		return datePart{}, nil
	default:
		return nil, fmt.Errorf("unsupported placeholder {%s}", p)
	}
}
