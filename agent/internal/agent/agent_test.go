package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/agent/internal/config"
	"github.com/amurg-ai/relay/pkg/hubclient"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// fakeHub admits one agent connection at a time and exposes it to the test.
type fakeHub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	reqs  chan *http.Request
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{conns: make(chan *websocket.Conn, 4), reqs: make(chan *http.Request, 4)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.reqs <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hello, _ := protocol.NewEnvelope(protocol.TypeHubHello, "", protocol.HubHello{Role: protocol.RoleAgent, OrgID: "acme", ConnID: "c1"})
		_ = conn.WriteJSON(hello)
		h.conns <- conn
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h *fakeHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

func setupTestAgent(t *testing.T, hubURL string, interval time.Duration) *Agent {
	t.Helper()
	cfg := &config.Config{
		Hub: config.HubConfig{
			URL:       hubURL,
			OrgID:     "acme",
			Token:     "device-token",
			BaseDelay: 10 * time.Millisecond,
			MaxDelay:  50 * time.Millisecond,
		},
		Agent: config.AgentConfig{Hostname: "build-01", StatusInterval: interval},
	}
	a, err := New(cfg, "1.2.3", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// readType skips frames until one of the given type arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()
	for {
		if env := readEnvelope(t, conn); env.Type == msgType {
			return env
		}
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType, id string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAgent_HandshakeAndInitialStatus(t *testing.T) {
	hub := newFakeHub(t)
	setupTestAgent(t, hub.url(), time.Hour)
	conn := hub.accept(t)

	req := <-hub.reqs
	if got := req.Header.Get("Authorization"); got != "Bearer device-token" {
		t.Errorf("Authorization = %q", got)
	}
	if req.URL.Query().Get("role") != protocol.RoleAgent || req.URL.Query().Get("org") != "acme" {
		t.Errorf("query = %q", req.URL.RawQuery)
	}

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeAgentStatus {
		t.Fatalf("first frame = %q, want agent_status", env.Type)
	}
	var status protocol.AgentStatus
	if err := env.Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Hostname != "build-01" || status.Version != "1.2.3" {
		t.Errorf("status = %+v", status)
	}
	if env.ID == "" {
		t.Error("status should carry a correlation id")
	}
}

func TestAgent_PingPong(t *testing.T) {
	hub := newFakeHub(t)
	setupTestAgent(t, hub.url(), time.Hour)
	conn := hub.accept(t)
	readType(t, conn, protocol.TypeAgentStatus)

	sendEnvelope(t, conn, protocol.TypePing, "req-42", nil)
	pong := readType(t, conn, protocol.TypePong)
	if pong.ID != "req-42" {
		t.Errorf("pong id = %q, want req-42", pong.ID)
	}
}

func TestAgent_Commands(t *testing.T) {
	hub := newFakeHub(t)
	setupTestAgent(t, hub.url(), time.Hour)
	conn := hub.accept(t)
	readType(t, conn, protocol.TypeAgentStatus)

	tests := []struct {
		name    string
		payload any
		wantOK  bool
		wantOut string
		wantErr string
	}{
		{"status", protocol.Command{Name: "status"}, true, `"hostname":"build-01"`, ""},
		{"echo", protocol.Command{Name: "echo", Args: json.RawMessage(`{"x":1}`)}, true, `{"x":1}`, ""},
		{"unknown", protocol.Command{Name: "reboot"}, false, "", `unknown command "reboot"`},
		{"missing name", map[string]string{"args": "x"}, false, "", "invalid command"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "cmd-" + string(rune('a'+i))
			sendEnvelope(t, conn, protocol.TypeCommand, id, tt.payload)
			env := readType(t, conn, protocol.TypeCommandResult)
			if env.ID != id {
				t.Fatalf("result id = %q, want %q", env.ID, id)
			}
			var res protocol.CommandResult
			if err := env.Decode(&res); err != nil {
				t.Fatal(err)
			}
			if res.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v (%+v)", res.OK, tt.wantOK, res)
			}
			if tt.wantOut != "" && !strings.Contains(string(res.Output), tt.wantOut) {
				t.Errorf("output = %s, want %s", res.Output, tt.wantOut)
			}
			if res.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", res.Error, tt.wantErr)
			}
		})
	}
}

func TestAgent_PeriodicStatus(t *testing.T) {
	hub := newFakeHub(t)
	setupTestAgent(t, hub.url(), 20*time.Millisecond)
	conn := hub.accept(t)

	for i := 0; i < 3; i++ {
		readType(t, conn, protocol.TypeAgentStatus)
	}
}

func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	hub := newFakeHub(t)
	a := setupTestAgent(t, hub.url(), time.Hour)
	conn := hub.accept(t)
	readType(t, conn, protocol.TypeAgentStatus)

	conn.Close()
	conn = hub.accept(t)
	readType(t, conn, protocol.TypeAgentStatus)

	deadline := time.Now().Add(2 * time.Second)
	for a.State() != hubclient.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v after reconnect", a.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgent_StateHook(t *testing.T) {
	hub := newFakeHub(t)
	states := make(chan hubclient.State, 8)
	cfg := &config.Config{
		Hub: config.HubConfig{
			URL: hub.url(), OrgID: "acme", Token: "device-token",
			BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond,
		},
		Agent: config.AgentConfig{Hostname: "h", StatusInterval: time.Hour},
	}
	a, err := New(cfg, "dev", slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithStateHook(func(s hubclient.State) { states <- s }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	hub.accept(t)

	want := []hubclient.State{hubclient.Connecting, hubclient.Connected}
	for _, w := range want {
		select {
		case got := <-states:
			if got != w {
				t.Fatalf("state = %v, want %v", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v", w)
		}
	}
	_ = a.Close()
}

func TestNew_InvalidURL(t *testing.T) {
	cfg := &config.Config{
		Hub:   config.HubConfig{URL: "http://hub/ws", OrgID: "acme", Token: "t", BaseDelay: time.Second, MaxDelay: time.Second},
		Agent: config.AgentConfig{Hostname: "h", StatusInterval: time.Second},
	}
	if _, err := New(cfg, "dev", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for non-websocket url")
	}
}
