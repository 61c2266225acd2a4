package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var clientSchema []byte

const schemaURL = "https://proctord.local/schema/client-message-v1.json"

// ErrInvalidMessage wraps every decode or schema failure.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Validator checks client messages against the embedded schema and decodes
// them into their typed form.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded client message schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(clientSchema)); err != nil {
		return nil, fmt.Errorf("protocol: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("protocol: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks data and returns its envelope.
func (v *Validator) Validate(data []byte) (Envelope, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return env, nil
}

// Decode validates data and returns a pointer to the typed client message.
func (v *Validator) Decode(data []byte) (any, error) {
	env, err := v.Validate(data)
	if err != nil {
		return nil, err
	}

	var msg any
	switch env.Type {
	case TypeSessionStart:
		msg = &SessionStartMessage{}
	case TypePageVisibility:
		msg = &PageVisibilityMessage{}
	case TypePageBlur:
		msg = &PageBlurMessage{}
	case TypePageKeyDown:
		msg = &PageKeyDownMessage{}
	case TypePageContextMenu:
		msg = &PageContextMenuMessage{}
	case TypePageGeometry:
		msg = &PageGeometryMessage{}
	case TypeConsoleTiming:
		msg = &ConsoleTimingMessage{}
	case TypeConsoleCall:
		msg = &ConsoleCallMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}
