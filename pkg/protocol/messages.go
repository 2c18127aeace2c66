// Package protocol defines the wire protocol exchanged between agents,
// dashboards and the relay hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure. Types listed here are
// validated at the hub boundary; any other type is forwarded untouched.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Connection roles.
const (
	RoleAgent     = "agent"
	RoleDashboard = "dashboard"
)

// ValidRole reports whether role is one the hub admits.
func ValidRole(role string) bool {
	return role == RoleAgent || role == RoleDashboard
}

// OppositeRole returns the role messages from role are delivered to.
// It returns "" for an unknown role.
func OppositeRole(role string) string {
	switch role {
	case RoleAgent:
		return RoleDashboard
	case RoleDashboard:
		return RoleAgent
	default:
		return ""
	}
}

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"` // sender correlation id, passed through unmodified
	TS      int64           `json:"ts"`           // unix millis, assigned by the hub
}

// NewEnvelope builds an envelope with payload marshaled to JSON. A nil
// payload produces an envelope without a payload field.
func NewEnvelope(msgType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Stamp sets the envelope timestamp to t.
func (e *Envelope) Stamp(t time.Time) {
	e.TS = t.UnixMilli()
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	return json.Unmarshal(e.Payload, v)
}

// Message types.
const (
	TypeHubHello      = "hub_hello"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeAgentStatus   = "agent_status"
	TypeTelemetry     = "telemetry"
)

// HubOnly reports whether msgType may only be sent by the hub itself.
func HubOnly(msgType string) bool {
	return msgType == TypeHubHello
}

// HubHello is sent by the hub once a connection has been admitted.
type HubHello struct {
	Role   string `json:"role"`
	OrgID  string `json:"org_id,omitempty"`
	ConnID string `json:"conn_id,omitempty"`
}

// Command asks an agent to do something (dashboard → agent).
type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CommandResult reports the outcome of a Command (agent → dashboard).
// The envelope id matches the id of the command it answers.
type CommandResult struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AgentStatus is the periodic liveness report an agent publishes.
type AgentStatus struct {
	DeviceID      string `json:"device_id,omitempty"`
	Hostname      string `json:"hostname"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
}

// Telemetry carries named numeric samples from an agent.
type Telemetry struct {
	Metrics map[string]float64 `json:"metrics"`
}

var (
	// ErrMissingPayload is returned when a typed message has no payload.
	ErrMissingPayload = errors.New("missing payload")
	// ErrInvalidPayload is returned when a typed payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Validate checks the payload shape of known message types. Unknown types
// are accepted as-is.
func Validate(env Envelope) error {
	switch env.Type {
	case TypePing, TypePong:
		return nil
	case TypeHubHello:
		var v HubHello
		if err := decodeStrict(env, &v); err != nil {
			return err
		}
		if !ValidRole(v.Role) {
			return fmt.Errorf("%w: hub_hello role %q", ErrInvalidPayload, v.Role)
		}
	case TypeCommand:
		var v Command
		if err := decodeStrict(env, &v); err != nil {
			return err
		}
		if v.Name == "" {
			return fmt.Errorf("%w: command name is required", ErrInvalidPayload)
		}
	case TypeCommandResult:
		var v CommandResult
		if err := decodeStrict(env, &v); err != nil {
			return err
		}
		if !v.OK && v.Error == "" {
			return fmt.Errorf("%w: failed command_result needs an error", ErrInvalidPayload)
		}
	case TypeAgentStatus:
		var v AgentStatus
		if err := decodeStrict(env, &v); err != nil {
			return err
		}
		if v.Hostname == "" {
			return fmt.Errorf("%w: agent_status hostname is required", ErrInvalidPayload)
		}
	case TypeTelemetry:
		var v Telemetry
		if err := decodeStrict(env, &v); err != nil {
			return err
		}
		if v.Metrics == nil {
			return fmt.Errorf("%w: telemetry metrics are required", ErrInvalidPayload)
		}
	}
	return nil
}

func decodeStrict(env Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		if errors.Is(err, ErrMissingPayload) {
			return fmt.Errorf("%s: %w", env.Type, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}
