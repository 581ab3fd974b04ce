package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/persistence"
)

// chatDebounce is the minimum spacing between chat delta events per run.
const chatDebounce = 150 * time.Millisecond

type trackerConfig struct {
	logger    *slog.Logger
	store     *persistence.Store
	debounce  time.Duration
	emitChat  func(sessionKey string, payload any)
	emitAgent func(payload any)
	onFinish  func(elapsed time.Duration) // optional, feeds the run duration metric
}

// runTracker maps agent run session ids to the client-facing chat stream.
// It buffers streamed deltas, debounces delta events, verifies per-run
// sequence continuity, and persists the final assistant message.
type runTracker struct {
	cfg trackerConfig

	mu   sync.Mutex
	runs map[string]*trackedRun
}

type trackedRun struct {
	sessionKey  string
	clientRunID string
	startedAt   time.Time
	lastSeq     int64
	full        strings.Builder
	pending     strings.Builder
	timer       *time.Timer
}

func newRunTracker(cfg trackerConfig) *runTracker {
	if cfg.debounce <= 0 {
		cfg.debounce = chatDebounce
	}
	return &runTracker{cfg: cfg, runs: make(map[string]*trackedRun)}
}

// Track registers a run so its agent events map onto chat events for the
// session.
func (t *runTracker) Track(runSessionID, sessionKey, clientRunID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runSessionID] = &trackedRun{
		sessionKey:  sessionKey,
		clientRunID: clientRunID,
		startedAt:   time.Now(),
	}
}

// Untrack silently drops a registration, for runs that failed to start.
func (t *runTracker) Untrack(runSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[runSessionID]; ok {
		t.stopTimerLocked(run)
		delete(t.runs, runSessionID)
	}
}

// Abort ends a tracked run, emitting the aborted chat event. It returns
// the runner-side session id so the caller can abort the runner too.
func (t *runTracker) Abort(sessionKey, clientRunID string) (string, bool) {
	t.mu.Lock()
	var id string
	var run *trackedRun
	for rid, r := range t.runs {
		if r.sessionKey != sessionKey {
			continue
		}
		if clientRunID != "" && r.clientRunID != clientRunID {
			continue
		}
		id, run = rid, r
		break
	}
	if run == nil {
		t.mu.Unlock()
		return "", false
	}
	t.stopTimerLocked(run)
	delete(t.runs, id)
	payload := map[string]any{
		"sessionKey": run.sessionKey,
		"runId":      run.clientRunID,
		"state":      "aborted",
		"ts":         time.Now().UnixMilli(),
	}
	t.mu.Unlock()

	t.cfg.emitChat(run.sessionKey, payload)
	return id, true
}

// HandleAgentEvent consumes one agent event and advances the run's chat
// stream. Events for untracked runs (heartbeats, cron wakes) are ignored.
func (t *runTracker) HandleAgentEvent(ev bus.AgentEvent) {
	t.mu.Lock()
	run, ok := t.runs[ev.RunSessionID]
	if !ok {
		t.mu.Unlock()
		return
	}

	if run.lastSeq != 0 && ev.Seq != run.lastSeq+1 {
		expected := run.lastSeq + 1
		t.mu.Unlock()
		t.cfg.logger.Warn("agent event sequence gap",
			"run_session_id", ev.RunSessionID,
			"expected", expected,
			"received", ev.Seq,
		)
		t.cfg.emitAgent(map[string]any{
			"runSessionId": ev.RunSessionID,
			"stream":       "error",
			"error":        "sequence gap",
			"data": map[string]int64{
				"expected": expected,
				"received": ev.Seq,
			},
		})
		t.mu.Lock()
		run, ok = t.runs[ev.RunSessionID]
		if !ok {
			t.mu.Unlock()
			return
		}
	}
	run.lastSeq = ev.Seq

	switch ev.Stream {
	case "delta":
		run.full.WriteString(ev.Text)
		run.pending.WriteString(ev.Text)
		if run.timer != nil {
			// A delta went out within the debounce window; the armed
			// timer will flush this one.
			t.mu.Unlock()
			return
		}
		// First delta since the last emission ships immediately; the
		// timer only spaces the ones that follow.
		id := ev.RunSessionID
		run.timer = time.AfterFunc(t.cfg.debounce, func() { t.flush(id) })
		text := run.pending.String()
		run.pending.Reset()
		payload := map[string]any{
			"sessionKey": run.sessionKey,
			"runId":      run.clientRunID,
			"state":      "delta",
			"message":    text,
			"ts":         time.Now().UnixMilli(),
		}
		sessionKey := run.sessionKey
		t.mu.Unlock()
		t.cfg.emitChat(sessionKey, payload)

	case "lifecycle":
		switch ev.State {
		case "started":
			payload := map[string]any{
				"sessionKey": run.sessionKey,
				"runId":      run.clientRunID,
				"state":      "started",
				"ts":         time.Now().UnixMilli(),
			}
			sessionKey := run.sessionKey
			t.mu.Unlock()
			t.cfg.emitChat(sessionKey, payload)

		case "final":
			t.finishLocked(ev.RunSessionID, run, "final", "")

		case "error":
			t.finishLocked(ev.RunSessionID, run, "error", ev.Error)

		default:
			t.mu.Unlock()
		}

	default:
		t.mu.Unlock()
	}
}

// finishLocked ends a run. Called with t.mu held; releases it.
func (t *runTracker) finishLocked(runSessionID string, run *trackedRun, state, errDetail string) {
	t.stopTimerLocked(run)
	delete(t.runs, runSessionID)
	message := run.full.String()

	payload := map[string]any{
		"sessionKey": run.sessionKey,
		"runId":      run.clientRunID,
		"state":      state,
		"ts":         time.Now().UnixMilli(),
	}
	// A run that streamed nothing gets no message field at all.
	if message != "" {
		payload["message"] = message
	}
	if errDetail != "" {
		payload["errorMessage"] = errDetail
	}
	sessionKey := run.sessionKey
	clientRunID := run.clientRunID
	t.mu.Unlock()

	if t.cfg.onFinish != nil {
		t.cfg.onFinish(time.Since(run.startedAt))
	}
	if state == "final" && message != "" && t.cfg.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.cfg.store.AppendMessage(ctx, sessionKey, "assistant", message, clientRunID); err != nil {
			t.cfg.logger.Error("persist assistant message", "session_key", sessionKey, "error", err)
		}
		cancel()
	}
	t.cfg.emitChat(sessionKey, payload)
}

// flush emits accumulated delta text for a run.
func (t *runTracker) flush(runSessionID string) {
	t.mu.Lock()
	run, ok := t.runs[runSessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	run.timer = nil
	if run.pending.Len() == 0 {
		t.mu.Unlock()
		return
	}
	text := run.pending.String()
	run.pending.Reset()
	payload := map[string]any{
		"sessionKey": run.sessionKey,
		"runId":      run.clientRunID,
		"state":      "delta",
		"message":    text,
		"ts":         time.Now().UnixMilli(),
	}
	sessionKey := run.sessionKey
	t.mu.Unlock()

	t.cfg.emitChat(sessionKey, payload)
}

func (t *runTracker) stopTimerLocked(run *trackedRun) {
	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}
}

// Active reports whether any run is tracked for the session.
func (t *runTracker) Active(sessionKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, run := range t.runs {
		if run.sessionKey == sessionKey {
			return true
		}
	}
	return false
}
