package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/knothq/gated/internal/dedupe"
	"github.com/knothq/gated/internal/otel"
	"github.com/knothq/gated/internal/protocol"
)

const handlerTimeout = 60 * time.Second

// idempotencyNamespace returns the dedupe key prefix for methods with
// replayable side effects. Other methods never consult the cache.
func idempotencyNamespace(method string) string {
	switch method {
	case protocol.MethodChatSend, protocol.MethodChatAbort:
		return "chat:"
	case protocol.MethodSend:
		return "send:"
	case protocol.MethodAgent:
		return "agent:"
	}
	return ""
}

// handleRequest validates, dedupes, and executes one request frame, then
// queues the response.
func (s *Server) handleRequest(ctx context.Context, c *client, req protocol.RequestFrame) {
	if !protocol.KnownMethod(req.Method) {
		s.respond(c, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "unknown method "+req.Method))
		return
	}
	if err := s.schemas.Validate(req.Method, req.Params); err != nil {
		s.respond(c, protocol.NewErrorResponse(req.ID, protocol.CodeOf(err), protocol.MessageOf(err)))
		return
	}

	dedupeKey := ""
	if ns := idempotencyNamespace(req.Method); ns != "" && req.IdempotencyKey != "" {
		dedupeKey = ns + req.IdempotencyKey
		// Claim the key before running the handler so a concurrent
		// duplicate replays the interim accepted outcome instead of
		// executing the side effect a second time. The final outcome
		// overwrites the interim entry below.
		interim, _ := json.Marshal(map[string]string{
			"runId":  req.IdempotencyKey,
			"status": "accepted",
		})
		if entry, ok := s.dedupe.Reserve(dedupeKey, interim); ok {
			s.logger.Debug("replaying cached response",
				"method", req.Method,
				"idempotency_key", req.IdempotencyKey,
			)
			s.metrics.DedupeReplays.Add(ctx, 1)
			s.respond(c, responseFromEntry(req.ID, entry))
			return
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	result, err := s.call(ctx, c, req.Method, req.Params)
	s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrMethod.String(req.Method)))

	var res protocol.ResponseFrame
	var payload json.RawMessage
	if err == nil {
		payload, err = json.Marshal(result)
	}
	if err != nil {
		code, message := protocol.CodeOf(err), protocol.MessageOf(err)
		if code == protocol.CodeInternal {
			s.logger.Error("request failed", "method", req.Method, "error", err)
		}
		s.metrics.RequestErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrMethod.String(req.Method)))
		res = protocol.NewErrorResponse(req.ID, code, message)
		if dedupeKey != "" {
			s.dedupe.Put(dedupeKey, false, nil, &dedupe.ErrorInfo{Code: code, Message: message})
		}
	} else {
		res = protocol.NewResponse(req.ID, payload)
		if dedupeKey != "" {
			s.dedupe.Put(dedupeKey, true, payload, nil)
		}
	}
	s.respond(c, res)
}

func responseFromEntry(id string, entry dedupe.Entry) protocol.ResponseFrame {
	if entry.OK {
		return protocol.NewResponse(id, entry.Payload)
	}
	return protocol.NewErrorResponse(id, entry.Error.Code, entry.Error.Message)
}

func (s *Server) respond(c *client, res protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	c.enqueue(data, false)
}
