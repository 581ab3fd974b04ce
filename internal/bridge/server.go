// Package bridge runs the TCP node bridge: paired satellite nodes connect
// with newline-delimited JSON frames to relay voice transcripts, subscribe
// to chat sessions, and execute invoked commands.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/protocol"
)

// ErrNodeNotConnected is returned by Invoke when the target node has no
// live bridge connection.
var ErrNodeNotConnected = errors.New("node not connected")

const (
	handshakeTimeout     = 10 * time.Second
	writeTimeout         = 5 * time.Second
	defaultInvokeTimeout = 10 * time.Second
)

// Config holds the dependencies for the bridge server.
type Config struct {
	Logger        *slog.Logger
	Bus           *bus.Bus
	Store         *persistence.Store
	Host          string
	Port          int
	InvokeTimeout time.Duration
}

// Server accepts node connections and relays frames between nodes and the
// rest of the daemon via the bus.
type Server struct {
	logger        *slog.Logger
	bus           *bus.Bus
	store         *persistence.Store
	host          string
	port          int
	invokeTimeout time.Duration

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*nodeConn

	subs *subIndex
}

// connectParams is the payload of a node's mandatory first frame.
type connectParams struct {
	NodeID   string   `json:"nodeId"`
	Token    string   `json:"token,omitempty"`
	Name     string   `json:"name,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Caps     []string `json:"caps,omitempty"`
}

// NewServer creates a bridge server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.InvokeTimeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	return &Server{
		logger:        logger,
		bus:           cfg.Bus,
		store:         cfg.Store,
		host:          cfg.Host,
		port:          cfg.Port,
		invokeTimeout: timeout,
		conns:         make(map[string]*nodeConn),
		subs:          newSubIndex(),
	}
}

// Start binds the TCP listener and begins accepting nodes.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", addr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and all node connections.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for _, nc := range s.conns {
		_ = nc.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("bridge stopped")
}

// Addr returns the bound listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("bridge accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// nodeConn is one live node connection. Writes are serialized by writeMu;
// pending holds channels awaiting a res frame for an invoked request id.
type nodeConn struct {
	nodeID string
	paired bool
	conn   net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ResponseFrame
}

func (nc *nodeConn) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	_ = nc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = nc.conn.Write(append(raw, '\n'))
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxPayloadBytes)

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if !scanner.Scan() {
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.Type != protocol.FrameTypeRequest || req.Method != protocol.MethodConnect {
		s.logger.Warn("bridge handshake rejected", "remote", conn.RemoteAddr().String())
		return
	}
	var params connectParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" {
		writeFrame(conn, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "connect requires nodeId"))
		return
	}

	nc := &nodeConn{
		nodeID:  params.NodeID,
		conn:    conn,
		pending: make(map[string]chan protocol.ResponseFrame),
	}

	ok, err := s.store.VerifyNodeToken(ctx, params.NodeID, params.Token)
	if err != nil {
		writeFrame(conn, protocol.NewErrorResponse(req.ID, protocol.CodeInternal, "pairing lookup failed"))
		return
	}
	nc.paired = ok

	if err := nc.send(protocol.NewResponse(req.ID, mustJSON(map[string]any{
		"nodeId": params.NodeID,
		"paired": nc.paired,
	}))); err != nil {
		return
	}

	s.register(nc)
	defer s.unregister(nc)

	if nc.paired {
		s.bus.Publish(bus.TopicBridgeConnected, bus.PairResolvedEvent{NodeID: nc.nodeID, Approved: true})
		s.logger.Info("node connected", "node_id", nc.nodeID, "remote", conn.RemoteAddr().String())
	} else {
		s.logger.Info("unpaired node connected", "node_id", nc.nodeID)
	}

	_ = conn.SetReadDeadline(time.Time{})
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatch(ctx, nc, line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("node read loop ended", "node_id", nc.nodeID, "error", err)
	}
}

func (s *Server) register(nc *nodeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.conns[nc.nodeID]; ok {
		_ = prev.conn.Close()
	}
	s.conns[nc.nodeID] = nc
}

func (s *Server) unregister(nc *nodeConn) {
	s.mu.Lock()
	if s.conns[nc.nodeID] == nc {
		delete(s.conns, nc.nodeID)
	}
	s.mu.Unlock()

	nc.pendingMu.Lock()
	for id, ch := range nc.pending {
		close(ch)
		delete(nc.pending, id)
	}
	nc.pendingMu.Unlock()

	s.subs.unsubscribeAll(nc.nodeID)
	if nc.paired {
		s.bus.Publish(bus.TopicBridgeDisconnect, bus.PairResolvedEvent{NodeID: nc.nodeID})
		s.logger.Info("node disconnected", "node_id", nc.nodeID)
	}
}

// dispatch routes one inbound frame after the handshake.
func (s *Server) dispatch(ctx context.Context, nc *nodeConn, line []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return
	}

	switch head.Type {
	case protocol.FrameTypeResponse:
		var res protocol.ResponseFrame
		if err := json.Unmarshal(line, &res); err != nil {
			return
		}
		nc.pendingMu.Lock()
		ch, ok := nc.pending[res.ID]
		if ok {
			delete(nc.pending, res.ID)
		}
		nc.pendingMu.Unlock()
		if ok {
			ch <- res
			close(ch)
		}

	case protocol.FrameTypeRequest:
		var req protocol.RequestFrame
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		s.handleNodeRequest(ctx, nc, req)

	case protocol.FrameTypeEvent:
		if !nc.paired {
			return
		}
		var ev protocol.EventFrame
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		s.handleNodeEvent(nc, ev)
	}
}

// handleNodeRequest handles the small set of requests a node may send.
// Unpaired nodes may only ask to pair.
func (s *Server) handleNodeRequest(ctx context.Context, nc *nodeConn, req protocol.RequestFrame) {
	switch req.Method {
	case "node.pair.request":
		if nc.paired {
			_ = nc.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "node already paired"))
			return
		}
		var params connectParams
		_ = json.Unmarshal(req.Params, &params)
		requestID, err := s.store.CreatePairRequest(ctx, nc.nodeID, params.Name, params.Platform, params.Caps)
		if err != nil {
			_ = nc.send(protocol.NewErrorResponse(req.ID, protocol.CodeInternal, err.Error()))
			return
		}
		s.bus.Publish(bus.TopicBridgePairRequest, bus.PairRequestEvent{
			RequestID: requestID,
			NodeID:    nc.nodeID,
			Name:      params.Name,
			Platform:  params.Platform,
		})
		_ = nc.send(protocol.NewResponse(req.ID, mustJSON(map[string]string{"requestId": requestID})))
		s.logger.Info("pair requested", "node_id", nc.nodeID, "request_id", requestID)

	case "ping":
		_ = nc.send(protocol.NewResponse(req.ID, mustJSON(map[string]int64{"ts": time.Now().UnixMilli()})))

	default:
		_ = nc.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "unknown bridge method "+req.Method))
	}
}

// handleNodeEvent processes events originating from a paired node.
func (s *Server) handleNodeEvent(nc *nodeConn, ev protocol.EventFrame) {
	switch ev.Event {
	case "voice.transcript":
		var p struct {
			Text  string `json:"text"`
			Final bool   `json:"final"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.bus.Publish(bus.TopicBridgeTranscript, bus.TranscriptEvent{
			NodeID: nc.nodeID,
			Text:   p.Text,
			Final:  p.Final,
		})
		if p.Final {
			s.bus.Publish(bus.TopicWake, bus.WakeEvent{
				Mode:   "now",
				Reason: "voice:" + nc.nodeID,
				Text:   p.Text,
			})
		}

	case "agent.request":
		var p struct {
			SessionKey string `json:"sessionKey"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.bus.Publish(bus.TopicAgentRequested, bus.AgentRequestEvent{
			NodeID:     nc.nodeID,
			SessionKey: p.SessionKey,
			Message:    p.Message,
		})

	case "chat.subscribe", "chat.unsubscribe":
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.SessionKey == "" {
			return
		}
		if ev.Event == "chat.subscribe" {
			s.subs.subscribe(nc.nodeID, p.SessionKey)
		} else {
			s.subs.unsubscribe(nc.nodeID, p.SessionKey)
		}
		s.logger.Debug("node subscription changed",
			"node_id", nc.nodeID,
			"session_key", p.SessionKey,
			"event", ev.Event,
		)

	default:
		s.logger.Debug("ignoring node event", "node_id", nc.nodeID, "event", ev.Event)
	}
}

// Invoke forwards a command to a connected node and waits for the
// correlated response.
func (s *Server) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	nc, ok := s.conns[nodeID]
	s.mu.RUnlock()
	if !ok || !nc.paired {
		return nil, ErrNodeNotConnected
	}

	id := uuid.NewString()
	ch := make(chan protocol.ResponseFrame, 1)
	nc.pendingMu.Lock()
	nc.pending[id] = ch
	nc.pendingMu.Unlock()

	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: command,
		Params: params,
	}
	if err := nc.send(req); err != nil {
		nc.pendingMu.Lock()
		delete(nc.pending, id)
		nc.pendingMu.Unlock()
		return nil, fmt.Errorf("send invoke to %s: %w", nodeID, err)
	}

	timer := time.NewTimer(s.invokeTimeout)
	defer timer.Stop()
	select {
	case res, open := <-ch:
		if !open {
			return nil, ErrNodeNotConnected
		}
		if !res.OK {
			msg := "invoke failed"
			if res.Error != nil {
				msg = res.Error.Message
			}
			return nil, errors.New(msg)
		}
		return res.Payload, nil
	case <-timer.C:
		nc.pendingMu.Lock()
		delete(nc.pending, id)
		nc.pendingMu.Unlock()
		return nil, fmt.Errorf("invoke %s on %s: timeout", command, nodeID)
	case <-ctx.Done():
		nc.pendingMu.Lock()
		delete(nc.pending, id)
		nc.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// NotifyPairResolved tells a connected node the outcome of its pairing
// request. The token rides only on approval and only over the node's own
// connection. A paired reconnect is required for the flag to flip.
func (s *Server) NotifyPairResolved(nodeID string, approved bool, token string) {
	s.mu.RLock()
	nc, ok := s.conns[nodeID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	payload := map[string]any{"nodeId": nodeID, "approved": approved}
	if approved && token != "" {
		payload["token"] = token
	}
	ev, err := protocol.NewEvent("node.pair.resolved", payload)
	if err != nil {
		return
	}
	_ = nc.send(ev)
}

// SendToSession fans an event frame out to every connected node subscribed
// to the session.
func (s *Server) SendToSession(sessionKey string, frame protocol.EventFrame) {
	for _, nodeID := range s.subs.nodesFor(sessionKey) {
		s.mu.RLock()
		nc, ok := s.conns[nodeID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := nc.send(frame); err != nil {
			s.logger.Debug("relay to node failed", "node_id", nodeID, "error", err)
		}
	}
}

// Broadcast sends an event frame to every connected paired node.
func (s *Server) Broadcast(frame protocol.EventFrame) {
	s.mu.RLock()
	conns := make([]*nodeConn, 0, len(s.conns))
	for _, nc := range s.conns {
		if nc.paired {
			conns = append(conns, nc)
		}
	}
	s.mu.RUnlock()
	for _, nc := range conns {
		_ = nc.send(frame)
	}
}

// Connected reports whether the node has a live paired connection.
func (s *Server) Connected(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nc, ok := s.conns[nodeID]
	return ok && nc.paired
}

// ConnectedNodes returns the ids of live paired connections.
func (s *Server) ConnectedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id, nc := range s.conns {
		if nc.paired {
			out = append(out, id)
		}
	}
	return out
}

// Subscriptions returns the session keys the node is subscribed to.
func (s *Server) Subscriptions(nodeID string) []string {
	return s.subs.sessionsFor(nodeID)
}

func writeFrame(conn net.Conn, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write(append(raw, '\n'))
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
