package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestOppositeRole(t *testing.T) {
	tests := []struct {
		role, want string
	}{
		{RoleAgent, RoleDashboard},
		{RoleDashboard, RoleAgent},
		{"admin", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := OppositeRole(tt.role); got != tt.want {
			t.Errorf("OppositeRole(%q) = %q, want %q", tt.role, got, tt.want)
		}
	}
}

func TestNewEnvelope_OmitsNilPayload(t *testing.T) {
	env, err := NewEnvelope(TypePing, "corr-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	env.Stamp(time.UnixMilli(1700000000123))

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"ping","id":"corr-1","ts":1700000000123}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestValidate(t *testing.T) {
	mustEnv := func(msgType string, payload any) Envelope {
		env, err := NewEnvelope(msgType, "", payload)
		if err != nil {
			t.Fatal(err)
		}
		return env
	}

	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{"ping without payload", Envelope{Type: TypePing}, nil},
		{"unknown type passes through", Envelope{Type: "custom.thing", Payload: json.RawMessage(`[1,2,3]`)}, nil},
		{"command ok", mustEnv(TypeCommand, Command{Name: "restart"}), nil},
		{"command missing name", mustEnv(TypeCommand, Command{}), ErrInvalidPayload},
		{"command missing payload", Envelope{Type: TypeCommand}, ErrMissingPayload},
		{"command wrong shape", Envelope{Type: TypeCommand, Payload: json.RawMessage(`"restart"`)}, ErrInvalidPayload},
		{"failed result needs error", mustEnv(TypeCommandResult, CommandResult{OK: false}), ErrInvalidPayload},
		{"failed result with error", mustEnv(TypeCommandResult, CommandResult{Error: "boom"}), nil},
		{"status ok", mustEnv(TypeAgentStatus, AgentStatus{Hostname: "h1", UptimeSeconds: 3}), nil},
		{"status missing hostname", mustEnv(TypeAgentStatus, AgentStatus{}), ErrInvalidPayload},
		{"telemetry ok", mustEnv(TypeTelemetry, Telemetry{Metrics: map[string]float64{"cpu": 0.5}}), nil},
		{"telemetry without metrics", mustEnv(TypeTelemetry, Telemetry{}), ErrInvalidPayload},
		{"hello bad role", mustEnv(TypeHubHello, HubHello{Role: "root"}), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.env)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHubOnly(t *testing.T) {
	if !HubOnly(TypeHubHello) {
		t.Error("hub_hello must be hub-only")
	}
	for _, typ := range []string{TypePing, TypeCommand, TypeAgentStatus, "custom.reboot"} {
		if HubOnly(typ) {
			t.Errorf("%s should be sendable by peers", typ)
		}
	}
}
