package tools

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// FieldError describes one argument that failed schema validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationError is returned by Invoke when the tool is unknown or its
// arguments do not satisfy the input schema. The handler has not run.
type ValidationError struct {
	Tool string
	errs *multierror.Error
}

func newValidationError(tool string, errs *multierror.Error) *ValidationError {
	return &ValidationError{Tool: tool, errs: errs}
}

func (e *ValidationError) Error() string {
	if e.errs == nil || len(e.errs.Errors) == 0 {
		return fmt.Sprintf("invalid arguments for tool %q", e.Tool)
	}
	msg := fmt.Sprintf("invalid arguments for tool %q: ", e.Tool)
	for i, err := range e.errs.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.errs.ErrorOrNil()
}

// Fields lists the offending fields in the order they were found.
func (e *ValidationError) Fields() []FieldError {
	if e.errs == nil {
		return nil
	}
	fields := make([]FieldError, 0, len(e.errs.Errors))
	for _, err := range e.errs.Errors {
		var fe *FieldError
		if errors.As(err, &fe) {
			fields = append(fields, *fe)
			continue
		}
		fields = append(fields, FieldError{Reason: err.Error()})
	}
	return fields
}

// Data is the payload placed in the JSON-RPC error "data" member.
func (e *ValidationError) Data() map[string]any {
	return map[string]any{
		"tool":   e.Tool,
		"fields": e.Fields(),
	}
}

// AsValidationError reports whether err wraps a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func multierrorOf(errs ...error) *multierror.Error {
	return multierror.Append(nil, errs...)
}
