// Package channels hosts the messaging adapters (telegram, web) and the
// router that turns inbound channel messages into agent runs and streams
// the replies back out.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/knothq/gated/internal/agent"
	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/protocol"
	"github.com/knothq/gated/internal/safety"
)

// Channel is one messaging platform adapter.
type Channel interface {
	// Name returns the unique channel name ("telegram", "web").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Send delivers a message to a recipient on this channel.
	Send(ctx context.Context, to, text string) error

	// State reports the adapter's connection state.
	State() string

	// Logout tears down the channel's credentials or session.
	Logout(ctx context.Context) error
}

// Streamer is implemented by channels that can progressively update an
// in-flight reply instead of waiting for the final text.
type Streamer interface {
	SendStream(ctx context.Context, to, streamID, text string, final bool) error
}

// Config wires the channel manager.
type Config struct {
	Logger *slog.Logger
	Bus    *bus.Bus
	Store  *persistence.Store
	Runner agent.Runner
}

// Manager owns the channel adapters and routes inbound messages through
// the agent runner.
type Manager struct {
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store
	runner agent.Runner

	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector

	mu       sync.RWMutex
	channels map[string]Channel
	// runs maps an agent run session id to the reply destination.
	runs map[string]replyTarget

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type replyTarget struct {
	channel string
	to      string
	text    string
}

// NewManager creates an empty Manager; register adapters with Register
// before Start.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		bus:       cfg.Bus,
		store:     cfg.Store,
		runner:    cfg.Runner,
		sanitizer: safety.NewSanitizer(),
		leaks:     safety.NewLeakDetector(),
		channels:  make(map[string]Channel),
		runs:      make(map[string]replyTarget),
	}
}

// Register adds a channel adapter.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Start launches every registered adapter and the inbound/outbound router
// loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	for _, ch := range m.channels {
		m.wg.Add(1)
		go func(ch Channel) {
			defer m.wg.Done()
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("channel stopped", "channel", ch.Name(), "error", err)
				m.bus.Publish(bus.TopicChannelState, bus.ChannelStateEvent{
					Channel: ch.Name(),
					State:   "error",
					Detail:  err.Error(),
				})
			}
		}(ch)
	}
	m.mu.RUnlock()

	// Subscribe before the router goroutines launch so a message published
	// immediately after Start returns cannot be dropped by the bus.
	inboundSub := m.bus.Subscribe(bus.TopicChannelInbound)
	repliesSub := m.bus.Subscribe(bus.TopicAgentEvent)
	m.wg.Add(2)
	go m.routeInbound(ctx, inboundSub)
	go m.routeReplies(ctx, repliesSub)
}

// Stop cancels the adapters and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// routeInbound turns inbound channel messages into agent runs.
func (m *Manager) routeInbound(ctx context.Context, sub *bus.Subscription) {
	defer m.wg.Done()
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			msg, ok := ev.Payload.(bus.InboundMessage)
			if !ok {
				continue
			}
			m.handleInbound(ctx, msg)
		}
	}
}

func (m *Manager) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if m.runner == nil {
		m.logger.Warn("inbound message dropped, no runner", "channel", msg.Channel)
		return
	}
	if res := m.sanitizer.Check(msg.Text); res.Action == safety.ActionBlock {
		m.logger.Warn("inbound message blocked",
			"channel", msg.Channel,
			"session_key", msg.SessionKey,
			"reason", res.Reason,
		)
		m.mu.RLock()
		ch := m.channels[msg.Channel]
		m.mu.RUnlock()
		if ch != nil {
			_ = ch.Send(ctx, msg.From, "Message rejected: "+res.Reason)
		}
		return
	} else if res.Action == safety.ActionWarn {
		m.logger.Warn("inbound message flagged",
			"channel", msg.Channel,
			"session_key", msg.SessionKey,
			"reason", res.Reason,
		)
	}
	if m.store != nil {
		if err := m.store.AppendMessage(ctx, msg.SessionKey, "user", msg.Text, ""); err != nil {
			m.logger.Error("persist inbound message", "session_key", msg.SessionKey, "error", err)
		}
	}
	// Register the reply target before starting so the run's first event
	// cannot race the map write.
	runSessionID := agent.NewRunSessionID()
	m.mu.Lock()
	m.runs[runSessionID] = replyTarget{channel: msg.Channel, to: msg.From}
	m.mu.Unlock()
	if _, err := m.runner.Start(ctx, agent.RunRequest{
		RunSessionID: runSessionID,
		SessionKey:   msg.SessionKey,
		Message:      msg.Text,
	}); err != nil {
		m.mu.Lock()
		delete(m.runs, runSessionID)
		m.mu.Unlock()
		m.logger.Error("start run for inbound message",
			"channel", msg.Channel,
			"session_key", msg.SessionKey,
			"error", err,
		)
		return
	}
	m.logger.Info("inbound message routed",
		"channel", msg.Channel,
		"session_key", msg.SessionKey,
		"run_session_id", runSessionID,
	)
}

// routeReplies streams agent output back to the originating channel.
func (m *Manager) routeReplies(ctx context.Context, sub *bus.Subscription) {
	defer m.wg.Done()
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			ae, ok := ev.Payload.(bus.AgentEvent)
			if !ok {
				continue
			}
			m.handleAgentEvent(ctx, ae)
		}
	}
}

func (m *Manager) handleAgentEvent(ctx context.Context, ae bus.AgentEvent) {
	m.mu.Lock()
	target, tracked := m.runs[ae.RunSessionID]
	if !tracked {
		m.mu.Unlock()
		return
	}
	switch {
	case ae.Stream == "delta":
		target.text += ae.Text
		m.runs[ae.RunSessionID] = target
		m.mu.Unlock()
		m.streamTo(ctx, target, ae.RunSessionID, false)
		return
	case ae.Stream == "lifecycle" && (ae.State == "final" || ae.State == "error"):
		delete(m.runs, ae.RunSessionID)
		m.mu.Unlock()
		if ae.State == "error" {
			target.text = "Run failed: " + ae.Error
		}
		m.deliver(ctx, target, ae.RunSessionID)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) streamTo(ctx context.Context, target replyTarget, streamID string, final bool) {
	m.mu.RLock()
	ch := m.channels[target.channel]
	m.mu.RUnlock()
	streamer, ok := ch.(Streamer)
	if !ok {
		return
	}
	if err := streamer.SendStream(ctx, target.to, streamID, target.text, final); err != nil {
		m.logger.Warn("stream update failed", "channel", target.channel, "error", err)
	}
}

func (m *Manager) deliver(ctx context.Context, target replyTarget, streamID string) {
	if target.text == "" {
		return
	}
	if warnings := m.leaks.Scan(target.text); len(warnings) > 0 {
		for _, w := range warnings {
			m.logger.Warn("secret detected in outbound reply",
				"channel", target.channel,
				"pattern", w.Pattern,
			)
		}
		target.text = m.leaks.Redact(target.text)
	}
	m.mu.RLock()
	ch := m.channels[target.channel]
	m.mu.RUnlock()
	if ch == nil {
		return
	}
	if streamer, ok := ch.(Streamer); ok {
		if err := streamer.SendStream(ctx, target.to, streamID, target.text, true); err == nil {
			return
		}
	}
	if err := ch.Send(ctx, target.to, target.text); err != nil {
		m.logger.Error("deliver reply failed", "channel", target.channel, "error", err)
	}
}

// Status implements the providers.status surface.
func (m *Manager) Status(ctx context.Context) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]string, 0, len(m.channels))
	for name, ch := range m.channels {
		out = append(out, map[string]string{"name": name, "state": ch.State()})
	}
	return map[string]any{"channels": out}, nil
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channel, to, message string) (any, error) {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnavailable, "channel %s not configured", channel)
	}
	if err := ch.Send(ctx, to, message); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "send via %s: %v", channel, err)
	}
	return map[string]any{"delivered": true, "channel": channel}, nil
}

func (m *Manager) web() (*WebChannel, error) {
	m.mu.RLock()
	ch := m.channels["web"]
	m.mu.RUnlock()
	web, ok := ch.(*WebChannel)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnavailable, "web channel not configured")
	}
	return web, nil
}

// WebLoginStart begins a web login attempt.
func (m *Manager) WebLoginStart(ctx context.Context) (any, error) {
	web, err := m.web()
	if err != nil {
		return nil, err
	}
	return web.LoginStart(ctx)
}

// WebLoginWait blocks until a login attempt resolves or expires.
func (m *Manager) WebLoginWait(ctx context.Context, attemptID string) (any, error) {
	web, err := m.web()
	if err != nil {
		return nil, err
	}
	return web.LoginWait(ctx, attemptID)
}

// WebLogout clears the web session.
func (m *Manager) WebLogout(ctx context.Context) (any, error) {
	web, err := m.web()
	if err != nil {
		return nil, err
	}
	if err := web.Logout(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"loggedOut": true}, nil
}

// TelegramLogout tears down the telegram adapter.
func (m *Manager) TelegramLogout(ctx context.Context) (any, error) {
	m.mu.RLock()
	ch, ok := m.channels["telegram"]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnavailable, "telegram channel not configured")
	}
	if err := ch.Logout(ctx); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "telegram logout: %v", err)
	}
	m.bus.Publish(bus.TopicChannelState, bus.ChannelStateEvent{Channel: "telegram", State: "logged_out"})
	return map[string]any{"loggedOut": true}, nil
}
