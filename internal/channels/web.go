package channels

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knothq/gated/internal/bus"
)

const loginAttemptTTL = 5 * time.Minute

// WebChannel models the browser session. Outbound delivery rides the
// websocket event stream, so Send only verifies the session is live; the
// interesting part is the pairing-code login flow.
type WebChannel struct {
	logger   *slog.Logger
	eventBus *bus.Bus

	mu       sync.Mutex
	loggedIn bool
	attempts map[string]*loginAttempt
}

type loginAttempt struct {
	id        string
	code      string
	expiresAt time.Time
	done      chan struct{}
	approved  bool
}

func NewWebChannel(logger *slog.Logger, eventBus *bus.Bus) *WebChannel {
	return &WebChannel{
		logger:   logger,
		eventBus: eventBus,
		attempts: make(map[string]*loginAttempt),
	}
}

func (w *WebChannel) Name() string {
	return "web"
}

func (w *WebChannel) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loggedIn {
		return "connected"
	}
	return "logged_out"
}

// Start sweeps expired login attempts until the context is canceled.
func (w *WebChannel) Start(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *WebChannel) sweep() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, a := range w.attempts {
		if now.After(a.expiresAt) {
			close(a.done)
			delete(w.attempts, id)
		}
	}
}

// Send is a no-op when logged in. Web clients receive replies over their
// websocket connection, not through a push path owned by this adapter.
func (w *WebChannel) Send(_ context.Context, _, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loggedIn {
		return fmt.Errorf("web session not logged in")
	}
	return nil
}

// LoginStart creates a pairing attempt and returns the code the user must
// confirm out of band.
func (w *WebChannel) LoginStart(_ context.Context) (any, error) {
	code, err := pairingCode()
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	a := &loginAttempt{
		id:        uuid.NewString(),
		code:      code,
		expiresAt: time.Now().Add(loginAttemptTTL),
		done:      make(chan struct{}),
	}
	w.mu.Lock()
	w.attempts[a.id] = a
	w.mu.Unlock()
	w.logger.Info("web login attempt started", "attempt_id", a.id)
	return map[string]any{
		"attemptId": a.id,
		"code":      a.code,
		"expiresAt": a.expiresAt.UnixMilli(),
	}, nil
}

// LoginWait blocks until the attempt is confirmed, expires, or the caller
// gives up.
func (w *WebChannel) LoginWait(ctx context.Context, attemptID string) (any, error) {
	w.mu.Lock()
	a, ok := w.attempts[attemptID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown login attempt %s", attemptID)
	}

	expiry := time.NewTimer(time.Until(a.expiresAt))
	defer expiry.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expiry.C:
		w.mu.Lock()
		delete(w.attempts, attemptID)
		w.mu.Unlock()
		return map[string]any{"status": "expired"}, nil
	case <-a.done:
	}

	status := "denied"
	if a.approved {
		status = "approved"
	}
	return map[string]any{"status": status}, nil
}

// Confirm resolves a pending attempt. The code must match the one handed
// out by LoginStart.
func (w *WebChannel) Confirm(attemptID, code string, approve bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.attempts[attemptID]
	if !ok {
		return fmt.Errorf("unknown login attempt %s", attemptID)
	}
	if a.code != code {
		return fmt.Errorf("pairing code mismatch")
	}
	delete(w.attempts, attemptID)
	a.approved = approve
	if approve {
		w.loggedIn = true
	}
	close(a.done)
	if w.eventBus != nil && approve {
		w.eventBus.Publish(bus.TopicChannelState, bus.ChannelStateEvent{Channel: "web", State: "connected"})
	}
	return nil
}

// Logout drops the session and cancels pending attempts.
func (w *WebChannel) Logout(_ context.Context) error {
	w.mu.Lock()
	w.loggedIn = false
	for id, a := range w.attempts {
		close(a.done)
		delete(w.attempts, id)
	}
	w.mu.Unlock()
	if w.eventBus != nil {
		w.eventBus.Publish(bus.TopicChannelState, bus.ChannelStateEvent{Channel: "web", State: "logged_out"})
	}
	return nil
}

func pairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
