package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a job spec from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. If the extension is unrecognized, YAML is attempted first, then JSON.
//
// After loading, the spec is validated against the JSON schema, structural
// invariants are checked, and defaults are applied to optional fields.
func Load(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job spec not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job spec: %s", path)
		}
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a job spec from raw bytes. The path
// parameter is used for error messages and format detection; empty falls
// back to trying YAML first.
//
// Schema validation runs on the raw data (converted to JSON) before parsing
// into the typed struct so unknown fields are rejected rather than silently
// dropped.
func LoadFromBytes(data []byte, path string) (*JobSpec, error) {
	if len(data) == 0 {
		return nil, errors.New("job spec file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	spec, err := parseSpec(data, path)
	if err != nil {
		return nil, err
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadFromReader reads and validates a job spec from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*JobSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	return LoadFromBytes(data, path)
}

func parseSpec(data []byte, path string) (*JobSpec, error) {
	var spec JobSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("invalid JSON in job spec: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("invalid YAML in job spec: %w", err)
		}
	default:
		// Unknown extension: YAML is a superset of JSON, try it first.
		if yamlErr := yaml.Unmarshal(data, &spec); yamlErr != nil {
			if jsonErr := json.Unmarshal(data, &spec); jsonErr != nil {
				return nil, fmt.Errorf("failed to parse job spec (tried YAML and JSON): %w", yamlErr)
			}
		}
	}
	return &spec, nil
}

// toJSON converts the input to JSON for schema validation, preserving all
// fields including unknown ones for the additionalProperties check.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job spec: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		if ext == ".yaml" || ext == ".yml" {
			return nil, fmt.Errorf("invalid YAML in job spec: %w", err)
		}
		var rawJSON any
		if jsonErr := json.Unmarshal(data, &rawJSON); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse job spec (tried YAML and JSON): %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job spec to JSON: %w", err)
	}
	return jsonData, nil
}
