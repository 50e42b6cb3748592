package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCommandType is returned when a serialized command carries a
// missing or unrecognised discriminator.
var ErrUnknownCommandType = errors.New("unknown command type")

// header is the discriminator block shared by every serialized command.
type header struct {
	CommandType Type   `json:"commandType"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func headerFor(c Command) header {
	return header{CommandType: c.Type(), Name: c.Name(), Description: c.Description()}
}

// Marshal encodes a single command with its discriminator.
func Marshal(c Command) ([]byte, error) {
	switch v := c.(type) {
	case TriggerCapture:
		return json.Marshal(struct {
			header
			TriggerCapture
		}{headerFor(v), v})
	case TriggerPipeline:
		return json.Marshal(struct {
			header
			TriggerPipeline
		}{headerFor(v), v})
	case ConfigureSom:
		return json.Marshal(headerFor(v))
	case nil:
		return nil, errors.New("marshal command: nil command")
	default:
		return nil, fmt.Errorf("marshal command %T: %w", c, ErrUnknownCommandType)
	}
}

// Unmarshal decodes a single command, selecting the variant from its
// discriminator.
func Unmarshal(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errors.New("unmarshal command: empty document")
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal command header: %w", err)
	}
	switch h.CommandType {
	case TypeTriggerCapture:
		var c TriggerCapture
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", h.CommandType, err)
		}
		return c, nil
	case TypeTriggerPipeline:
		var c TriggerPipeline
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", h.CommandType, err)
		}
		return c, nil
	case TypeConfigureSom:
		return ConfigureSom{}, nil
	case "":
		return nil, fmt.Errorf("%w: commandType is missing", ErrUnknownCommandType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommandType, h.CommandType)
	}
}

// MarshalJSON encodes the sequence as a JSON array in order.
func (s Sequence) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(s))
	for i, c := range s {
		raw, err := Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("commands[%d]: %w", i, err)
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

// UnmarshalJSON decodes a JSON array of commands. Any element with an unknown
// discriminator fails the whole sequence.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("unmarshal command sequence: %w", err)
	}
	out := make(Sequence, 0, len(items))
	for i, raw := range items {
		c, err := Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("commands[%d]: %w", i, err)
		}
		out = append(out, c)
	}
	*s = out
	return nil
}
