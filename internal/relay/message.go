// ABOUTME: Wire message taxonomy for agent connections.
// ABOUTME: A single tagged envelope type multiplexes every message kind.

package relay

import (
	"encoding/json"
	"fmt"
)

// Message kinds carried over an agent connection. A finite, tagged set
// dispatched by a type switch rather than per-kind callback registration.
const (
	// Server -> agent
	TypeWelcome       = "welcome"
	TypeCommand       = "command"
	TypeTerminalInput = "terminal_input"
	TypeLifecycle     = "lifecycle"

	// Agent -> server
	TypeResult         = "result"
	TypeTerminalOutput = "terminal_output"
)

// LifecycleAction is the small enumerated payload of a lifecycle message.
type LifecycleAction string

const (
	ActionReboot          LifecycleAction = "reboot"
	ActionToggleFeature   LifecycleAction = "toggle_feature"
	ActionRequestUpdate   LifecycleAction = "request_update"
	ActionForceDisconnect LifecycleAction = "force_disconnect"
)

// Valid reports whether the action is a known lifecycle action.
func (a LifecycleAction) Valid() bool {
	switch a {
	case ActionReboot, ActionToggleFeature, ActionRequestUpdate, ActionForceDisconnect:
		return true
	}
	return false
}

// Envelope is the single frame type exchanged with agents. Type selects the
// kind; the remaining fields are populated per kind and omitted otherwise.
type Envelope struct {
	Type string `json:"type"`

	// welcome
	ClientID string `json:"client_id,omitempty"`

	// command, result
	TaskID  string `json:"task_id,omitempty"`
	Command string `json:"command,omitempty"`

	// terminal_input
	Input string `json:"input,omitempty"`

	// terminal_output, result
	Output string `json:"output,omitempty"`

	// lifecycle
	Action LifecycleAction   `json:"action,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
