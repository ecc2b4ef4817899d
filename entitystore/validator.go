package entitystore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/concur/errors"
)

// Validator checks entity fields before they are stored.
type Validator interface {
	Validate(fields map[string]any) error
}

// SchemaValidator validates fields against a JSON Schema document.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a JSON Schema given as raw JSON.
func NewSchemaValidator(schema []byte) (*SchemaValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, errors.WrapInvalid(err, "SchemaValidator", "New", "compile schema")
	}
	return &SchemaValidator{schema: compiled}, nil
}

// NewSchemaValidatorFromFile compiles the JSON Schema at path.
func NewSchemaValidatorFromFile(path string) (*SchemaValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + path))
	if err != nil {
		return nil, errors.WrapInvalid(err, "SchemaValidator", "New", "load schema "+path)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate returns an error wrapping errors.ErrValidation that lists every
// failing field.
func (v *SchemaValidator) Validate(fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: fields are not JSON: %v", errors.ErrValidation, err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &FieldError{Problems: msgs}
}

// FieldError lists schema violations.
type FieldError struct {
	Problems []string
}

// Error implements the error interface
func (e *FieldError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Is matches errors.ErrValidation.
func (e *FieldError) Is(target error) bool {
	return target == errors.ErrValidation
}
