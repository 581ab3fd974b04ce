package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/knothq/gated/internal/agent"
	"github.com/knothq/gated/internal/audit"
	"github.com/knothq/gated/internal/bridge"
	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/config"
	"github.com/knothq/gated/internal/cron"
	"github.com/knothq/gated/internal/otel"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/presence"
	"github.com/knothq/gated/internal/protocol"
	"github.com/knothq/gated/internal/tokenutil"
)

// call executes a validated method. Params have already passed schema
// validation; handlers still guard semantic constraints.
func (s *Server) call(ctx context.Context, c *client, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodHealth:
		return s.handleHealth(ctx)
	case protocol.MethodStatus:
		return s.handleStatus()
	case protocol.MethodProvidersStatus:
		if s.cfg.Channels == nil {
			return map[string]any{"channels": []any{}}, nil
		}
		return s.cfg.Channels.Status(ctx)
	case protocol.MethodConfigGet:
		return s.handleConfigGet()
	case protocol.MethodConfigSet:
		return s.handleConfigSet(params)
	case protocol.MethodModelsList:
		return map[string]any{"models": config.AvailableModels()}, nil

	case protocol.MethodSkillsStatus:
		if s.cfg.Skills == nil {
			return nil, protocol.NewError(protocol.CodeUnavailable, "skills service not configured")
		}
		return s.cfg.Skills.Status(ctx)
	case protocol.MethodSkillsInstall, protocol.MethodSkillsUpdate:
		return s.handleSkillsMutate(ctx, method, params)

	case protocol.MethodVoiceWakeGet:
		return s.handleVoiceWakeGet()
	case protocol.MethodVoiceWakeSet:
		return s.handleVoiceWakeSet(params)

	case protocol.MethodSessionsList:
		return s.handleSessionsList(ctx, params)
	case protocol.MethodSessionsPatch:
		return s.handleSessionsPatch(ctx, params)
	case protocol.MethodSessionsReset:
		return s.handleSessionsReset(ctx, params)
	case protocol.MethodSessionsDelete:
		return s.handleSessionsDelete(ctx, params)
	case protocol.MethodSessionsCompact:
		return s.handleSessionsCompact(ctx, params)

	case protocol.MethodLastHeartbeat:
		return s.handleLastHeartbeat()
	case protocol.MethodSetHeartbeats:
		return s.handleSetHeartbeats(params)
	case protocol.MethodWake:
		return s.handleWake(params)

	case protocol.MethodNodePairRequest:
		return s.handleNodePairRequest(ctx, params)
	case protocol.MethodNodePairList:
		return s.handleNodePairList(ctx)
	case protocol.MethodNodePairApprove:
		return s.handleNodePairApprove(ctx, params)
	case protocol.MethodNodePairReject:
		return s.handleNodePairReject(ctx, params)
	case protocol.MethodNodePairVerify:
		return s.handleNodePairVerify(ctx, params)
	case protocol.MethodNodeList:
		return s.handleNodeList(ctx)
	case protocol.MethodNodeDescribe:
		return s.handleNodeDescribe(ctx, params)
	case protocol.MethodNodeInvoke:
		return s.handleNodeInvoke(ctx, params)

	case protocol.MethodCronList:
		return s.handleCronList(ctx)
	case protocol.MethodCronStatus:
		return s.handleCronStatus(ctx)
	case protocol.MethodCronAdd:
		return s.handleCronAdd(ctx, params)
	case protocol.MethodCronUpdate:
		return s.handleCronUpdate(ctx, params)
	case protocol.MethodCronRemove:
		return s.handleCronRemove(ctx, params)
	case protocol.MethodCronRun:
		return s.handleCronRun(ctx, params)
	case protocol.MethodCronRuns:
		return s.handleCronRuns(ctx, params)

	case protocol.MethodSystemPresence:
		return s.handleSystemPresence(params)
	case protocol.MethodSystemEvent:
		return s.handleSystemEvent(params)

	case protocol.MethodSend:
		return s.handleSend(ctx, params)
	case protocol.MethodAgent:
		return s.handleAgent(ctx, params)

	case protocol.MethodWebLoginStart:
		if s.cfg.Channels == nil {
			return nil, protocol.NewError(protocol.CodeUnavailable, "web channel not configured")
		}
		return s.cfg.Channels.WebLoginStart(ctx)
	case protocol.MethodWebLoginWait:
		return s.handleWebLoginWait(ctx, params)
	case protocol.MethodWebLogout:
		if s.cfg.Channels == nil {
			return nil, protocol.NewError(protocol.CodeUnavailable, "web channel not configured")
		}
		return s.cfg.Channels.WebLogout(ctx)
	case protocol.MethodTelegramLogout:
		if s.cfg.Channels == nil {
			return nil, protocol.NewError(protocol.CodeUnavailable, "telegram channel not configured")
		}
		return s.cfg.Channels.TelegramLogout(ctx)

	case protocol.MethodChatHistory:
		return s.handleChatHistory(ctx, params)
	case protocol.MethodChatAbort:
		return s.handleChatAbort(ctx, params)
	case protocol.MethodChatSend:
		return s.handleChatSend(ctx, params)
	}
	return nil, protocol.NewError(protocol.CodeInvalidRequest, "unknown method %s", method)
}

func (s *Server) handleHealth(ctx context.Context) (any, error) {
	snap, version := s.health.Refresh(ctx)
	return map[string]any{"health": snap, "stateVersion": version}, nil
}

func (s *Server) handleStatus() (any, error) {
	s.hbMu.Lock()
	hbEnabled := s.hbEnabled
	lastHB := s.lastHeartbeat
	s.hbMu.Unlock()

	nodesConnected := 0
	if s.cfg.Bridge != nil {
		nodesConnected = len(s.cfg.Bridge.ConnectedNodes())
	}
	return map[string]any{
		"version":           s.cfg.Version,
		"startedAtMs":       s.startedAt.UnixMilli(),
		"uptimeMs":          time.Since(s.startedAt).Milliseconds(),
		"configFingerprint": s.cfg.Cfg.Fingerprint(),
		"clients":           s.ClientCount(),
		"nodesConnected":    nodesConnected,
		"heartbeats": map[string]any{
			"enabled":         hbEnabled,
			"intervalMinutes": s.cfg.Cfg.HeartbeatIntervalMinutes,
			"last":            lastHB,
		},
	}, nil
}

func (s *Server) handleConfigGet() (any, error) {
	return map[string]any{
		"config":      s.cfg.Cfg.Redacted(),
		"fingerprint": s.cfg.Cfg.Fingerprint(),
	}, nil
}

func (s *Server) handleConfigSet(params json.RawMessage) (any, error) {
	var p struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		return nil, protocol.Errorf("config.set requires path and value")
	}
	if err := config.SetValue(s.cfg.Cfg.HomeDir, p.Path, p.Value); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "set %s: %v", p.Path, err)
	}
	// The config watcher picks the write up and triggers the reload path.
	return map[string]any{"path": p.Path, "saved": true}, nil
}

func (s *Server) handleSkillsMutate(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if s.cfg.Skills == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "skills service not configured")
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, protocol.Errorf("%s requires name", method)
	}
	if method == protocol.MethodSkillsInstall {
		return s.cfg.Skills.Install(ctx, p.Name)
	}
	return s.cfg.Skills.Update(ctx, p.Name)
}

func (s *Server) handleVoiceWakeGet() (any, error) {
	s.vwMu.Lock()
	defer s.vwMu.Unlock()
	return map[string]any{
		"enabled": s.voiceWake.Enabled,
		"phrase":  s.voiceWake.Phrase,
	}, nil
}

func (s *Server) handleVoiceWakeSet(params json.RawMessage) (any, error) {
	var p struct {
		Enabled bool   `json:"enabled"`
		Phrase  string `json:"phrase"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("malformed voicewake params")
	}
	if err := config.SetVoiceWake(s.cfg.Cfg.HomeDir, p.Enabled, p.Phrase); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "persist voicewake: %v", err)
	}
	s.vwMu.Lock()
	s.voiceWake.Enabled = p.Enabled
	if p.Phrase != "" {
		s.voiceWake.Phrase = p.Phrase
	}
	phrase := s.voiceWake.Phrase
	s.vwMu.Unlock()

	s.cfg.Bus.Publish(bus.TopicVoiceWake, bus.VoiceWakeEvent{Enabled: p.Enabled, Phrase: phrase})
	return map[string]any{"enabled": p.Enabled, "phrase": phrase}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(params, &p)
	sessions, err := s.cfg.Store.ListSessions(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	return map[string]any{"sessions": sessions}, nil
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

func sessionKeyOf(params json.RawMessage) (string, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return "", protocol.Errorf("sessionKey is required")
	}
	return p.SessionKey, nil
}

func (s *Server) handleSessionsPatch(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey    string  `json:"sessionKey"`
		Name          *string `json:"name"`
		ThinkingLevel *string `json:"thinkingLevel"`
		VerboseLevel  *string `json:"verboseLevel"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf("sessionKey is required")
	}
	sess, err := s.cfg.Store.PatchSession(ctx, p.SessionKey, persistence.SessionPatch{
		Name:          p.Name,
		ThinkingLevel: p.ThinkingLevel,
		VerboseLevel:  p.VerboseLevel,
	})
	if err != nil {
		return nil, mapStoreErr(err, "session "+p.SessionKey)
	}
	return map[string]any{"session": sess}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, params json.RawMessage) (any, error) {
	key, err := sessionKeyOf(params)
	if err != nil {
		return nil, err
	}
	sess, err := s.cfg.Store.ResetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params json.RawMessage) (any, error) {
	key, err := sessionKeyOf(params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Store.DeleteSession(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": key}, nil
}

func (s *Server) handleSessionsCompact(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Summary    string `json:"summary"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf("sessionKey is required")
	}
	var reclaimed int
	if msgs, err := s.cfg.Store.History(ctx, p.SessionKey, 1000); err == nil {
		for _, m := range msgs {
			reclaimed += tokenutil.EstimateTokens(m.Content)
		}
	}
	compacted, err := s.cfg.Store.CompactSession(ctx, p.SessionKey, p.Summary)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"compacted":       compacted,
		"tokensReclaimed": reclaimed,
	}, nil
}

func (s *Server) handleLastHeartbeat() (any, error) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return map[string]any{"heartbeat": s.lastHeartbeat}, nil
}

func (s *Server) handleSetHeartbeats(params json.RawMessage) (any, error) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("enabled is required")
	}
	s.hbMu.Lock()
	s.hbEnabled = p.Enabled
	s.hbMu.Unlock()
	return map[string]any{"enabled": p.Enabled}, nil
}

func (s *Server) handleWake(params json.RawMessage) (any, error) {
	var p struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
		Text   string `json:"text"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Mode == "" {
		p.Mode = "now"
	}
	s.cfg.Bus.Publish(bus.TopicWake, bus.WakeEvent{Mode: p.Mode, Reason: p.Reason, Text: p.Text})
	return map[string]any{"queued": true}, nil
}

func (s *Server) handleNodePairRequest(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		NodeID   string   `json:"nodeId"`
		Name     string   `json:"name"`
		Platform string   `json:"platform"`
		Caps     []string `json:"caps"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, protocol.Errorf("nodeId is required")
	}
	requestID, err := s.cfg.Store.CreatePairRequest(ctx, p.NodeID, p.Name, p.Platform, p.Caps)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "%v", err)
	}
	s.cfg.Bus.Publish(bus.TopicBridgePairRequest, bus.PairRequestEvent{
		RequestID: requestID,
		NodeID:    p.NodeID,
		Name:      p.Name,
		Platform:  p.Platform,
	})
	return map[string]any{"requestId": requestID}, nil
}

func (s *Server) handleNodePairList(ctx context.Context) (any, error) {
	nodes, err := s.cfg.Store.ListNodes(ctx, persistence.NodeStatePending)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []persistence.Node{}
	}
	return map[string]any{"requests": nodes}, nil
}

func requestIDOf(params json.RawMessage) (string, error) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return "", protocol.Errorf("requestId is required")
	}
	return p.RequestID, nil
}

func (s *Server) handleNodePairApprove(ctx context.Context, params json.RawMessage) (any, error) {
	requestID, err := requestIDOf(params)
	if err != nil {
		return nil, err
	}
	node, token, err := s.cfg.Store.ApprovePairRequest(ctx, requestID)
	if err != nil {
		return nil, mapStoreErr(err, "pair request "+requestID)
	}
	if s.cfg.Bridge != nil {
		s.cfg.Bridge.NotifyPairResolved(node.NodeID, true, token)
	}
	s.cfg.Bus.Publish(bus.TopicBridgePairResolve, bus.PairResolvedEvent{
		RequestID: requestID,
		NodeID:    node.NodeID,
		Approved:  true,
	})
	audit.Record("node.pair", "allow", node.NodeID, "")
	s.logger.Info("pair request approved", "node_id", node.NodeID, "request_id", requestID)
	return map[string]any{"node": node, "token": token}, nil
}

func (s *Server) handleNodePairReject(ctx context.Context, params json.RawMessage) (any, error) {
	requestID, err := requestIDOf(params)
	if err != nil {
		return nil, err
	}
	node, err := s.cfg.Store.RejectPairRequest(ctx, requestID)
	if err != nil {
		return nil, mapStoreErr(err, "pair request "+requestID)
	}
	if s.cfg.Bridge != nil {
		s.cfg.Bridge.NotifyPairResolved(node.NodeID, false, "")
	}
	s.cfg.Bus.Publish(bus.TopicBridgePairResolve, bus.PairResolvedEvent{
		RequestID: requestID,
		NodeID:    node.NodeID,
	})
	audit.Record("node.pair", "deny", node.NodeID, "rejected by operator")
	s.logger.Info("pair request rejected", "node_id", node.NodeID, "request_id", requestID)
	return map[string]any{"node": node}, nil
}

func (s *Server) handleNodePairVerify(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		NodeID string `json:"nodeId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, protocol.Errorf("nodeId and token are required")
	}
	ok, err := s.cfg.Store.VerifyNodeToken(ctx, p.NodeID, p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"valid": ok}, nil
}

func (s *Server) handleNodeList(ctx context.Context) (any, error) {
	nodes, err := s.cfg.Store.ListNodes(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		connected := s.cfg.Bridge != nil && s.cfg.Bridge.Connected(node.NodeID)
		out = append(out, map[string]any{
			"node":      node,
			"connected": connected,
		})
	}
	return map[string]any{"nodes": out}, nil
}

func (s *Server) handleNodeDescribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, protocol.Errorf("nodeId is required")
	}
	node, err := s.cfg.Store.GetNode(ctx, p.NodeID)
	if err != nil {
		return nil, mapStoreErr(err, "node "+p.NodeID)
	}
	connected := false
	var subscriptions []string
	if s.cfg.Bridge != nil {
		connected = s.cfg.Bridge.Connected(p.NodeID)
		subscriptions = s.cfg.Bridge.Subscriptions(p.NodeID)
	}
	if subscriptions == nil {
		subscriptions = []string{}
	}
	return map[string]any{
		"node":          node,
		"connected":     connected,
		"subscriptions": subscriptions,
	}, nil
}

func (s *Server) handleNodeInvoke(ctx context.Context, params json.RawMessage) (any, error) {
	if s.cfg.Bridge == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "node bridge disabled")
	}
	var p struct {
		NodeID    string          `json:"nodeId"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params"`
		TimeoutMs int             `json:"timeoutMs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("malformed invoke params")
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	payload, err := s.cfg.Bridge.Invoke(ctx, p.NodeID, p.Command, p.Params)
	s.metrics.InvokeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrNodeID.String(p.NodeID)))
	if err != nil {
		if errors.Is(err, bridge.ErrNodeNotConnected) {
			return nil, protocol.NewError(protocol.CodeUnavailable, "node %s not connected", p.NodeID)
		}
		return nil, protocol.NewError(protocol.CodeInternal, "invoke: %v", err)
	}
	return map[string]any{"result": payload}, nil
}

func (s *Server) handleCronList(ctx context.Context) (any, error) {
	jobs, err := s.cfg.Store.ListCronJobs(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []persistence.CronJob{}
	}
	return map[string]any{"jobs": jobs}, nil
}

func (s *Server) handleCronStatus(ctx context.Context) (any, error) {
	jobs, err := s.cfg.Store.ListCronJobs(ctx)
	if err != nil {
		return nil, err
	}
	enabled := 0
	var next *time.Time
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		enabled++
		if job.NextRunAt != nil && (next == nil || job.NextRunAt.Before(*next)) {
			next = job.NextRunAt
		}
	}
	return map[string]any{
		"schedulerEnabled": s.cfg.Cfg.Cron.Enabled,
		"jobs":             len(jobs),
		"enabledJobs":      enabled,
		"nextRunAt":        next,
	}, nil
}

func (s *Server) handleCronAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Message  string `json:"message"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("malformed cron.add params")
	}
	if err := cron.ValidateSchedule(p.Schedule); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "schedule: %v", err)
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	next, err := cron.NextRunTime(p.Schedule, time.Now())
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "schedule: %v", err)
	}
	job, err := s.cfg.Store.AddCronJob(ctx, p.Name, p.Schedule, p.Message, enabled, &next)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID       string  `json:"id"`
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Message  *string `json:"message"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.Errorf("id is required")
	}
	var next *time.Time
	if p.Schedule != nil {
		if err := cron.ValidateSchedule(*p.Schedule); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "schedule: %v", err)
		}
		n, err := cron.NextRunTime(*p.Schedule, time.Now())
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "schedule: %v", err)
		}
		next = &n
	}
	job, err := s.cfg.Store.UpdateCronJob(ctx, p.ID, persistence.CronJobPatch{
		Name:     p.Name,
		Schedule: p.Schedule,
		Message:  p.Message,
		Enabled:  p.Enabled,
	}, next)
	if err != nil {
		return nil, mapStoreErr(err, "cron job "+p.ID)
	}
	return map[string]any{"job": job}, nil
}

func cronIDOf(params json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return "", protocol.Errorf("id is required")
	}
	return p.ID, nil
}

func (s *Server) handleCronRemove(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := cronIDOf(params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Store.RemoveCronJob(ctx, id); err != nil {
		return nil, mapStoreErr(err, "cron job "+id)
	}
	return map[string]any{"removed": id}, nil
}

func (s *Server) handleCronRun(ctx context.Context, params json.RawMessage) (any, error) {
	if s.cfg.Scheduler == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "cron scheduler disabled")
	}
	id, err := cronIDOf(params)
	if err != nil {
		return nil, err
	}
	job, err := s.cfg.Store.GetCronJob(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, "cron job "+id)
	}
	s.cfg.Scheduler.Fire(ctx, job, time.Now())
	return map[string]any{"fired": id}, nil
}

func (s *Server) handleCronRuns(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.Errorf("id is required")
	}
	runs, err := s.cfg.Store.ListCronRuns(ctx, p.ID, p.Limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []persistence.CronRun{}
	}
	return map[string]any{"runs": runs}, nil
}

func (s *Server) handleSystemPresence(params json.RawMessage) (any, error) {
	var p struct {
		Key         string `json:"key"`
		Kind        string `json:"kind"`
		DisplayName string `json:"displayName"`
		Platform    string `json:"platform"`
		Mode        string `json:"mode"`
		Version     string `json:"version"`
		Connected   *bool  `json:"connected"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, protocol.Errorf("key is required")
	}
	if p.Kind == "" {
		p.Kind = "system"
	}
	connected := true
	if p.Connected != nil {
		connected = *p.Connected
	}
	version := s.presence.Upsert(presence.Record{
		Key:         p.Key,
		Kind:        p.Kind,
		DisplayName: p.DisplayName,
		Platform:    p.Platform,
		Mode:        p.Mode,
		Version:     p.Version,
		Connected:   connected,
		Reason:      p.Reason,
	})
	return map[string]any{"stateVersion": version}, nil
}

// handleSystemEvent lets a trusted client inject a broadcast. Only
// droppable events may be injected; delivery-critical streams stay under
// the daemon's control.
func (s *Server) handleSystemEvent(params json.RawMessage) (any, error) {
	var p struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Event == "" {
		return nil, protocol.Errorf("event is required")
	}
	if !protocol.Droppable(p.Event) {
		return nil, protocol.NewError(protocol.CodeForbidden, "event %s cannot be injected", p.Event)
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	s.broadcast(p.Event, p.Payload, nil)
	return map[string]any{"broadcast": p.Event}, nil
}

func (s *Server) handleSend(ctx context.Context, params json.RawMessage) (any, error) {
	if s.cfg.Channels == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "no channels configured")
	}
	var p struct {
		To      string `json:"to"`
		Message string `json:"message"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("malformed send params")
	}
	if p.Channel == "" {
		p.Channel = "telegram"
	}
	return s.cfg.Channels.Send(ctx, p.Channel, p.To, p.Message)
}

func (s *Server) handleAgent(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey"`
		Thinking   string `json:"thinking"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf("malformed agent params")
	}
	if p.SessionKey == "" {
		p.SessionKey = "main"
	}
	return s.startRun(ctx, p.SessionKey, p.Message, "", p.Thinking)
}

func (s *Server) handleWebLoginWait(ctx context.Context, params json.RawMessage) (any, error) {
	if s.cfg.Channels == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "web channel not configured")
	}
	var p struct {
		AttemptID string `json:"attemptId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.AttemptID == "" {
		return nil, protocol.Errorf("attemptId is required")
	}
	return s.cfg.Channels.WebLoginWait(ctx, p.AttemptID)
}

func (s *Server) handleChatHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf("sessionKey is required")
	}
	messages, err := s.cfg.Store.History(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, err
	}
	messages = capHistoryBytes(messages, protocol.MaxChatHistoryLen)
	return map[string]any{
		"sessionKey": p.SessionKey,
		"messages":   messages,
	}, nil
}

// capHistoryBytes drops oldest messages until the marshaled transcript
// fits the byte budget.
func capHistoryBytes(messages []persistence.Message, budget int) []persistence.Message {
	if messages == nil {
		return []persistence.Message{}
	}
	total := 0
	// Walk newest-first so the most recent messages survive.
	cut := 0
	for i := len(messages) - 1; i >= 0; i-- {
		raw, err := json.Marshal(messages[i])
		if err != nil {
			continue
		}
		if total+len(raw) > budget {
			cut = i + 1
			break
		}
		total += len(raw)
	}
	return messages[cut:]
}

func (s *Server) handleChatAbort(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf("sessionKey is required")
	}
	runSessionID, ok := s.tracker.Abort(p.SessionKey, p.RunID)
	if !ok {
		return map[string]any{"aborted": false}, nil
	}
	if s.cfg.Runner != nil {
		if err := s.cfg.Runner.Abort(ctx, runSessionID); err != nil {
			s.logger.Warn("runner abort failed", "run_session_id", runSessionID, "error", err)
		}
	}
	return map[string]any{"aborted": true}, nil
}

func (s *Server) handleChatSend(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		RunID      string `json:"runId"`
		Thinking   string `json:"thinking"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf("sessionKey is required")
	}
	return s.startRun(ctx, p.SessionKey, p.Message, p.RunID, p.Thinking)
}

// startRun persists the user message, starts an agent run, and begins
// tracking it for the chat event stream.
func (s *Server) startRun(ctx context.Context, sessionKey, message, runID, thinking string) (any, error) {
	if s.cfg.Runner == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "agent runner unavailable")
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := s.cfg.Store.EnsureSession(ctx, sessionKey); err != nil {
		return nil, err
	}
	if err := s.cfg.Store.AppendMessage(ctx, sessionKey, "user", message, runID); err != nil {
		return nil, err
	}
	// Track before starting so the runner's first event cannot race the
	// registration.
	runSessionID := agent.NewRunSessionID()
	s.tracker.Track(runSessionID, sessionKey, runID)
	if _, err := s.cfg.Runner.Start(ctx, agent.RunRequest{
		RunSessionID: runSessionID,
		SessionKey:   sessionKey,
		RunID:        runID,
		Message:      message,
		Thinking:     thinking,
	}); err != nil {
		s.tracker.Untrack(runSessionID)
		if errors.Is(err, agent.ErrUnavailable) {
			return nil, protocol.NewError(protocol.CodeUnavailable, "agent runner unavailable")
		}
		return nil, protocol.NewError(protocol.CodeInternal, "start run: %v", err)
	}
	s.logger.Info("run started",
		"session_key", sessionKey,
		"run_id", runID,
		"run_session_id", runSessionID,
	)
	return map[string]any{
		"runId":        runID,
		"runSessionId": runSessionID,
		"status":       "accepted",
	}, nil
}

// mapStoreErr converts sql.ErrNoRows into NOT_FOUND so the dispatcher
// doesn't report missing rows as internal failures.
func mapStoreErr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.NewError(protocol.CodeNotFound, "%s not found", what)
	}
	return err
}
