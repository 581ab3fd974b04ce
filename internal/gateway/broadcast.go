package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/otel"
	"github.com/knothq/gated/internal/protocol"
)

// broadcast stamps the next global sequence number on an event frame and
// fans it out to every connected client. The same seq value reaches every
// connection so clients can detect missed events after a reconnect.
// Stamping and enqueueing happen under one lock: two concurrent
// broadcasters must not be able to enqueue their frames in the opposite
// order of their seq values.
func (s *Server) broadcast(event string, payload any, stateVersion *int64) {
	frame, err := protocol.NewEvent(event, payload)
	if err != nil {
		s.logger.Error("marshal broadcast event", "event", event, "error", err)
		return
	}

	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	s.seq++
	seq := s.seq
	frame.Seq = &seq
	frame.StateVersion = stateVersion

	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal broadcast frame", "event", event, "error", err)
		return
	}

	droppable := protocol.Droppable(event)
	attrs := metric.WithAttributes(otel.AttrEvent.String(event))
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if c.enqueue(data, droppable) {
			s.metrics.EventsBroadcast.Add(context.Background(), 1, attrs)
		} else if droppable {
			s.metrics.EventsDropped.Add(context.Background(), 1, attrs)
		} else {
			s.metrics.SlowConsumerCloses.Add(context.Background(), 1)
		}
	}
}

// checkAgentSeq verifies per-run sequence continuity for every agent
// event reaching the broadcaster, tracked by the chat layer or not. A gap
// emits a synthetic error-stream event so `agent` subscribers can refetch
// history instead of silently missing output.
func (s *Server) checkAgentSeq(ae bus.AgentEvent) {
	s.agentSeqMu.Lock()
	last, seen := s.agentSeq[ae.RunSessionID]
	terminal := ae.Stream == "lifecycle" &&
		(ae.State == "final" || ae.State == "error" || ae.State == "aborted")
	if terminal {
		delete(s.agentSeq, ae.RunSessionID)
	} else {
		s.agentSeq[ae.RunSessionID] = ae.Seq
	}
	s.agentSeqMu.Unlock()

	if !seen || ae.Seq == last+1 {
		return
	}
	s.logger.Warn("agent event sequence gap",
		"run_session_id", ae.RunSessionID,
		"expected", last+1,
		"received", ae.Seq,
	)
	s.broadcast(protocol.EventAgent, map[string]any{
		"runSessionId": ae.RunSessionID,
		"stream":       "error",
		"error":        "sequence gap",
		"data": map[string]int64{
			"expected": last + 1,
			"received": ae.Seq,
		},
	}, nil)
}

// emitChat broadcasts a chat event and relays it to bridge nodes
// subscribed to the session.
func (s *Server) emitChat(sessionKey string, payload any) {
	s.broadcast(protocol.EventChat, payload, nil)
	if s.cfg.Bridge != nil {
		frame, err := protocol.NewEvent(protocol.EventChat, payload)
		if err != nil {
			return
		}
		s.cfg.Bridge.SendToSession(sessionKey, frame)
	}
}

// pumpLoop translates bus traffic into broadcast events.
func (s *Server) pumpLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.busSub.Ch():
			if !ok {
				return
			}
			s.pumpEvent(ev)
		}
	}
}

func (s *Server) pumpEvent(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicAgentEvent:
		ae, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		s.checkAgentSeq(ae)
		s.tracker.HandleAgentEvent(ae)
		s.broadcast(protocol.EventAgent, map[string]any{
			"runSessionId": ae.RunSessionID,
			"seq":          ae.Seq,
			"stream":       ae.Stream,
			"text":         ae.Text,
			"state":        ae.State,
			"error":        ae.Error,
			"data":         ae.Data,
		}, nil)

	case bus.TopicBridgeConnected:
		s.metrics.NodesConnected.Add(context.Background(), 1)

	case bus.TopicBridgeDisconnect:
		s.metrics.NodesConnected.Add(context.Background(), -1)

	case bus.TopicBridgePairRequest:
		pr, ok := ev.Payload.(bus.PairRequestEvent)
		if !ok {
			return
		}
		s.broadcast(protocol.EventNodePairRequested, pr, nil)

	case bus.TopicBridgePairResolve:
		pr, ok := ev.Payload.(bus.PairResolvedEvent)
		if !ok {
			return
		}
		s.broadcast(protocol.EventNodePairResolved, pr, nil)

	case bus.TopicCronFired:
		cf, ok := ev.Payload.(bus.CronFiredEvent)
		if !ok {
			return
		}
		s.broadcast(protocol.EventCron, cf, nil)

	case bus.TopicHeartbeat:
		hb, ok := ev.Payload.(bus.HeartbeatEvent)
		if !ok {
			return
		}
		s.hbMu.Lock()
		s.lastHeartbeat = &hb
		s.hbMu.Unlock()
		s.broadcast(protocol.EventHeartbeat, hb, nil)

	case bus.TopicVoiceWake:
		vw, ok := ev.Payload.(bus.VoiceWakeEvent)
		if !ok {
			return
		}
		s.broadcast(protocol.EventVoiceWakeChanged, map[string]any{
			"enabled": vw.Enabled,
			"phrase":  vw.Phrase,
		}, nil)
	}
}

// tickLoop broadcasts the droppable liveness tick every 30 seconds.
func (s *Server) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(protocol.TickIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.broadcast(protocol.EventTick, map[string]int64{"ts": now.UnixMilli()}, nil)
		}
	}
}

// heartbeatLoop periodically wakes the agent runner when heartbeats are
// enabled, then records and broadcasts the beat.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Cfg.HeartbeatIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.hbMu.Lock()
			enabled := s.hbEnabled
			s.hbMu.Unlock()
			if !enabled {
				continue
			}
			s.cfg.Bus.Publish(bus.TopicWake, bus.WakeEvent{
				Mode:   "now",
				Reason: "heartbeat",
			})
			s.cfg.Bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{
				TS:     now.UnixMilli(),
				Status: "ok",
			})
		}
	}
}
