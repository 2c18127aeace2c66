// Package agent is the relay-agent process: it keeps a device connection to
// the hub, answers pings, runs built-in commands and reports its status.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/amurg-ai/relay/agent/internal/config"
	"github.com/amurg-ai/relay/pkg/hubclient"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// commandFunc runs a named command and returns its output.
type commandFunc func(args json.RawMessage) (any, error)

// Agent is the main agent process.
type Agent struct {
	cfg       *config.Config
	version   string
	client    *hubclient.Client
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time
	commands  map[string]commandFunc
	onState   func(hubclient.State)
}

// Option configures an Agent.
type Option func(*Agent)

// WithStateHook registers a callback invoked after every hub connection
// state change.
func WithStateHook(fn func(hubclient.State)) Option {
	return func(a *Agent) { a.onState = fn }
}

// New creates an agent from configuration.
func New(cfg *config.Config, version string, logger *slog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		version:   version,
		logger:    logger.With("component", "agent", "hostname", cfg.Agent.Hostname),
		startedAt: time.Now(),
		now:       time.Now,
	}
	a.commands = map[string]commandFunc{
		"status": func(json.RawMessage) (any, error) { return a.Status(), nil },
		"echo":   func(args json.RawMessage) (any, error) { return args, nil },
	}
	for _, opt := range opts {
		opt(a)
	}

	client, err := hubclient.New(hubclient.Options{
		URL:           cfg.Hub.URL,
		Role:          protocol.RoleAgent,
		OrgID:         cfg.Hub.OrgID,
		Credential:    cfg.Hub.Token,
		BaseDelay:     cfg.Hub.BaseDelay,
		MaxDelay:      cfg.Hub.MaxDelay,
		TLSSkipVerify: cfg.Hub.TLSSkipVerify,
		Handler:       a.handleHubMessage,
		OnStateChange: a.handleStateChange,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create hub client: %w", err)
	}
	a.client = client
	return a, nil
}

// Status returns the agent_status payload for this process.
func (a *Agent) Status() protocol.AgentStatus {
	return protocol.AgentStatus{
		Hostname:      a.cfg.Agent.Hostname,
		UptimeSeconds: int64(a.now().Sub(a.startedAt) / time.Second),
		Version:       a.version,
	}
}

// State returns the hub connection state.
func (a *Agent) State() hubclient.State {
	return a.client.State()
}

// Run connects to the hub and blocks until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"hub", a.cfg.Hub.URL,
		"org", a.cfg.Hub.OrgID,
		"status_interval", a.cfg.Agent.StatusInterval,
	)
	a.client.Start()
	defer func() {
		a.logger.Info("shutting down agent")
		_ = a.client.Close()
	}()

	ticker := time.NewTicker(a.cfg.Agent.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sendStatus()
		}
	}
}

// Close disconnects from the hub.
func (a *Agent) Close() error {
	return a.client.Close()
}

func (a *Agent) handleStateChange(s hubclient.State) {
	a.logger.Info("hub connection", "state", s.String())
	if s == hubclient.Connected {
		// Report right away so dashboards do not wait a full interval.
		a.sendStatus()
	}
	if a.onState != nil {
		a.onState(s)
	}
}

func (a *Agent) sendStatus() {
	if _, err := a.client.Send(protocol.TypeAgentStatus, a.Status()); err != nil {
		a.logger.Debug("status not sent", "error", err)
	}
}

// handleHubMessage processes a message from the hub.
func (a *Agent) handleHubMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		if err := a.client.SendWithID(protocol.TypePong, env.ID, nil); err != nil {
			a.logger.Warn("failed to answer ping", "id", env.ID, "error", err)
		}
	case protocol.TypeCommand:
		a.handleCommand(env)
	default:
		a.logger.Info("message from hub", "type", env.Type, "id", env.ID, "ts", env.TS)
	}
}

func (a *Agent) handleCommand(env protocol.Envelope) {
	var cmd protocol.Command
	if err := env.Decode(&cmd); err != nil || cmd.Name == "" {
		a.logger.Warn("invalid command", "id", env.ID, "error", err)
		a.reply(env.ID, protocol.CommandResult{OK: false, Error: "invalid command"})
		return
	}
	a.logger.Info("command received", "name", cmd.Name, "id", env.ID)

	fn, ok := a.commands[cmd.Name]
	if !ok {
		a.reply(env.ID, protocol.CommandResult{OK: false, Error: fmt.Sprintf("unknown command %q", cmd.Name)})
		return
	}
	output, err := fn(cmd.Args)
	if err != nil {
		a.reply(env.ID, protocol.CommandResult{OK: false, Error: err.Error()})
		return
	}
	var raw json.RawMessage
	if output != nil {
		if raw, err = json.Marshal(output); err != nil {
			a.reply(env.ID, protocol.CommandResult{OK: false, Error: "encode output: " + err.Error()})
			return
		}
	}
	a.reply(env.ID, protocol.CommandResult{OK: true, Output: raw})
}

func (a *Agent) reply(id string, result protocol.CommandResult) {
	if err := a.client.SendWithID(protocol.TypeCommandResult, id, result); err != nil {
		a.logger.Warn("failed to send command result", "id", id, "error", err)
	}
}
