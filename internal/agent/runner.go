// Package agent defines the contract between the gateway and the attached
// agent runner. The runner executes model turns; the gateway only routes
// requests in and streams events out over the bus.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/shared"
)

// ErrUnavailable is returned when no runner is attached or the runner
// cannot accept work right now. The gateway maps it to UNAVAILABLE.
var ErrUnavailable = errors.New("agent runner unavailable")

// RunRequest asks the runner to execute one turn.
type RunRequest struct {
	// RunSessionID is pre-assigned by the caller so it can register the
	// run before any event for it is published. Empty lets the runner
	// mint one.
	RunSessionID string
	SessionKey   string
	RunID        string // client-chosen id, echoed back in chat events
	Message      string
	Thinking     string // "low", "medium", "high"; empty uses the default
}

// Runner executes agent turns. Start returns the runner-side session id
// identifying the run; events for the run are published on the bus with
// that id.
type Runner interface {
	Start(ctx context.Context, req RunRequest) (runSessionID string, err error)
	Abort(ctx context.Context, runSessionID string) error
}

// RunRequested is published on bus.TopicAgentRequested for the runner
// host. Abort marks a cancellation request for an earlier run.
type RunRequested struct {
	RunSessionID string
	SessionKey   string
	RunID        string
	Message      string
	Thinking     string
	Abort        bool
}

// HostRunner hands runs to an attached runner host over the bus. The host
// subscribes to TopicAgentRequested, executes the turn, and streams
// results back through an Emitter.
type HostRunner struct {
	bus *bus.Bus
}

func NewHostRunner(b *bus.Bus) *HostRunner {
	return &HostRunner{bus: b}
}

func (r *HostRunner) Start(_ context.Context, req RunRequest) (string, error) {
	if r.bus == nil {
		return "", ErrUnavailable
	}
	id := req.RunSessionID
	if id == "" {
		id = NewRunSessionID()
	}
	r.bus.Publish(bus.TopicAgentRequested, RunRequested{
		RunSessionID: id,
		SessionKey:   req.SessionKey,
		RunID:        req.RunID,
		Message:      req.Message,
		Thinking:     req.Thinking,
	})
	NewEmitter(r.bus, id).Lifecycle("started")
	return id, nil
}

func (r *HostRunner) Abort(_ context.Context, runSessionID string) error {
	if r.bus == nil {
		return ErrUnavailable
	}
	r.bus.Publish(bus.TopicAgentRequested, RunRequested{
		RunSessionID: runSessionID,
		Abort:        true,
	})
	return nil
}

// Emitter publishes a run's event stream with consecutive per-run
// sequence numbers. Runner implementations hold one Emitter per run.
type Emitter struct {
	bus          *bus.Bus
	runSessionID string

	mu  sync.Mutex
	seq int64
}

// NewEmitter creates an Emitter for the given run.
func NewEmitter(b *bus.Bus, runSessionID string) *Emitter {
	return &Emitter{bus: b, runSessionID: runSessionID}
}

// NewRunSessionID mints a runner-side session id.
func NewRunSessionID() string {
	return shared.NewRunID()
}

func (e *Emitter) next() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// Delta publishes a streamed text fragment.
func (e *Emitter) Delta(text string) {
	e.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{
		RunSessionID: e.runSessionID,
		Seq:          e.next(),
		Stream:       "delta",
		Text:         text,
	})
}

// Lifecycle publishes a run state transition ("started", "final").
func (e *Emitter) Lifecycle(state string) {
	e.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{
		RunSessionID: e.runSessionID,
		Seq:          e.next(),
		Stream:       "lifecycle",
		State:        state,
	})
}

// Fail publishes a terminal error state.
func (e *Emitter) Fail(detail string) {
	e.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{
		RunSessionID: e.runSessionID,
		Seq:          e.next(),
		Stream:       "lifecycle",
		State:        "error",
		Error:        detail,
	})
}
