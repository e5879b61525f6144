package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/slurmscope/slurmscope/internal/assets/schemas"
)

// SchemaID is the schema identifier for job specs.
const SchemaID = "slurmscope/v1.0.0/job-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema could not be loaded.
	ErrSchemaNotFound = errors.New("job spec schema not found")

	// ErrValidationFailed indicates the spec failed schema validation.
	ErrValidationFailed = errors.New("job spec validation failed")
)

// Cached validator instance, compiled once from the embedded schema.
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single schema validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field, e.g. "/resources".
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of schema validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "job spec validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets callers match with errors.Is(err, ErrValidationFailed).
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateSchema checks the spec's struct representation against the JSON
// schema. This loses unknown fields; for strict validation including the
// additionalProperties check, use ValidateRaw on the original input.
func ValidateSchema(s *JobSpec) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize job spec for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks raw JSON data against the job spec schema.
//
// The schema is embedded at compile time, so validation works in installed
// binaries without schema files on disk. Returns nil on success or a
// ValidationErrors describing every failure.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job spec schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
