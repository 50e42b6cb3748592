// Package command models the closed set of satellite instructions carried by a
// flight plan. Every variant validates itself and compiles deterministically
// into the statements understood by the onboard command interpreter.
package command

import (
	"fmt"

	"github.com/signalsfoundry/satops/internal/apperr"
)

// Type is the discriminator carried by every serialized command.
type Type string

const (
	TypeTriggerCapture  Type = "TRIGGER_CAPTURE"
	TypeTriggerPipeline Type = "TRIGGER_PIPELINE"
	TypeConfigureSom    Type = "CONFIGURE_SOM"
)

// Types lists every known discriminator in declaration order.
func Types() []Type {
	return []Type{TypeTriggerCapture, TypeTriggerPipeline, TypeConfigureSom}
}

// Valid reports whether t is one of the known discriminators.
func (t Type) Valid() bool {
	switch t {
	case TypeTriggerCapture, TypeTriggerPipeline, TypeConfigureSom:
		return true
	default:
		return false
	}
}

// CSP node addresses on the satellite bus.
const (
	CameraControllerNode = 2
	DippNode             = 162
	AppSysNode           = 5421
)

// Command is a single satellite instruction. Implementations are value types;
// Compile never mutates the receiver and returns the same output for the same
// input.
type Command interface {
	Type() Type
	Name() string
	Description() string
	Validate() error
	Compile() ([]string, error)

	sealed()
}

// Sequence is an ordered command list. Order is significant and preserved
// through serialization.
type Sequence []Command

// ValidateAll validates every command and reports all failures at once, with
// field names prefixed by the command's position.
func ValidateAll(seq Sequence) error {
	verr := &apperr.ValidationError{}
	if len(seq) == 0 {
		verr.Add("commands", "at least one command is required")
	}
	for i, cmd := range seq {
		prefix := fmt.Sprintf("commands[%d]", i)
		if cmd == nil {
			verr.Add(prefix, "command is null")
			continue
		}
		if err := cmd.Validate(); err != nil {
			if v, ok := apperr.AsValidation(err); ok {
				verr.Merge(prefix, v)
				continue
			}
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	return verr.Err()
}

// CompileAll validates and compiles every command in order, concatenating the
// resulting statements.
func CompileAll(seq Sequence) ([]string, error) {
	if err := ValidateAll(seq); err != nil {
		return nil, err
	}
	script := make([]string, 0, len(seq))
	for i, cmd := range seq {
		lines, err := cmd.Compile()
		if err != nil {
			return nil, fmt.Errorf("compile commands[%d] (%s): %w", i, cmd.Type(), err)
		}
		script = append(script, lines...)
	}
	return script, nil
}
