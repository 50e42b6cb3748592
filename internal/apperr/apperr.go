// Package apperr defines the error taxonomy shared by the mission-command
// core. Callers wrap the sentinels with fmt.Errorf("%w: ...") and transports
// map them onto protocol status codes with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or out-of-range command or plan input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a referenced plan, satellite or ground station that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation not permitted in the entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotConnected marks a dispatch target without a live channel.
	ErrNotConnected = errors.New("ground station not connected")
	// ErrUpstreamUnavailable marks a failing propagation or storage collaborator.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrProtocolViolation marks a malformed handshake on the gateway channel.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrBadRequest marks a request that references data unusable for the operation,
	// such as a satellite without TLE lines.
	ErrBadRequest = errors.New("bad request")
)

// FieldError is a single field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationError collects every field-level failure found while validating
// one input. It satisfies errors.Is(err, ErrValidation).
type ValidationError struct {
	Fields []FieldError
}

// Add appends a field failure.
func (v *ValidationError) Add(field, format string, args ...any) {
	v.Fields = append(v.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Merge appends the failures of other, prefixing each field with prefix.
func (v *ValidationError) Merge(prefix string, other *ValidationError) {
	if other == nil {
		return
	}
	for _, f := range other.Fields {
		field := f.Field
		if prefix != "" {
			if field == "" {
				field = prefix
			} else {
				field = prefix + "." + field
			}
		}
		v.Fields = append(v.Fields, FieldError{Field: field, Message: f.Message})
	}
}

// Err returns v when it holds at least one failure, otherwise nil.
func (v *ValidationError) Err() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.String())
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is reports whether target is ErrValidation.
func (v *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a ValidationError holding one field failure.
func Validation(field, format string, args ...any) *ValidationError {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// AsValidation extracts a *ValidationError from err's chain.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
