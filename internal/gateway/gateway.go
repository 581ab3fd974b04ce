// Package gateway is the WebSocket control plane: it authenticates clients,
// validates and dispatches request frames, and fans events out to every
// connection with per-connection backpressure.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/knothq/gated/internal/agent"
	"github.com/knothq/gated/internal/audit"
	"github.com/knothq/gated/internal/auth"
	"github.com/knothq/gated/internal/bridge"
	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/config"
	"github.com/knothq/gated/internal/cron"
	"github.com/knothq/gated/internal/dedupe"
	"github.com/knothq/gated/internal/health"
	"github.com/knothq/gated/internal/otel"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/presence"
	"github.com/knothq/gated/internal/protocol"
)

// ChannelOps is the slice of the channel layer the gateway calls into.
// Nil methods' concerns respond UNAVAILABLE when the field itself is nil.
type ChannelOps interface {
	Status(ctx context.Context) (any, error)
	Send(ctx context.Context, channel, to, message string) (any, error)
	WebLoginStart(ctx context.Context) (any, error)
	WebLoginWait(ctx context.Context, attemptID string) (any, error)
	WebLogout(ctx context.Context) (any, error)
	TelegramLogout(ctx context.Context) (any, error)
}

// SkillsOps is the slice of the skills layer the gateway calls into.
type SkillsOps interface {
	Status(ctx context.Context) (any, error)
	Install(ctx context.Context, name string) (any, error)
	Update(ctx context.Context, name string) (any, error)
}

// Config wires the gateway server.
type Config struct {
	Logger    *slog.Logger
	Bus       *bus.Bus
	Store     *persistence.Store
	Auth      *auth.Authenticator
	Runner    agent.Runner
	Bridge    *bridge.Server // nil when the bridge is disabled
	Scheduler *cron.Scheduler
	Channels  ChannelOps
	Skills    SkillsOps
	Cfg       config.Config

	// HealthProbes feed the aggregator behind the health method.
	HealthProbes []health.Probe

	// Metrics is optional; nil falls back to no-op instruments.
	Metrics *otel.Metrics

	Version string

	// ChatDebounce overrides the 150ms delta debounce; tests shorten it.
	ChatDebounce time.Duration
}

// Server is the WebSocket gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger

	schemas  *protocol.SchemaRegistry
	metrics  *otel.Metrics
	dedupe   *dedupe.Cache
	presence *presence.Store
	health   *health.Aggregator
	tracker  *runTracker

	startedAt time.Time

	// broadcastMu serializes seq stamping with fan-out so no client can
	// observe sequence numbers out of order across concurrent broadcasters.
	broadcastMu sync.Mutex
	seq         int64

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	hbMu          sync.Mutex
	hbEnabled     bool
	lastHeartbeat *bus.HeartbeatEvent

	// agentSeqMu guards the per-run last-seq map behind the agent event
	// broadcaster; untracked runs (cron and voice wakes) get the same gap
	// detection the chat tracker applies to tracked ones.
	agentSeqMu sync.Mutex
	agentSeq   map[string]int64

	vwMu      sync.Mutex
	voiceWake config.VoiceWakeConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	busSub *bus.Subscription
}

// New builds a Server. Schema compilation failures surface here, before any
// listener opens.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := protocol.NewSchemaRegistry()
	if err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		schemas:   schemas,
		metrics:   metrics,
		dedupe:    dedupe.New(),
		startedAt: time.Now(),
		clients:   make(map[*client]struct{}),
		agentSeq:  make(map[string]int64),
		hbEnabled: true,
		voiceWake: cfg.Cfg.VoiceWake,
	}
	s.presence = presence.New(func(version int64, rec presence.Record) {
		s.broadcast(protocol.EventPresence, rec, &version)
	})
	s.health = health.New(health.Config{
		Logger: logger,
		Probes: cfg.HealthProbes,
		OnChange: func(version int64, snap health.Snapshot) {
			s.broadcast(protocol.EventHealth, snap, &version)
		},
	})
	debounce := cfg.ChatDebounce
	if debounce <= 0 {
		debounce = chatDebounce
	}
	s.tracker = newRunTracker(trackerConfig{
		logger:   logger,
		store:    cfg.Store,
		debounce: debounce,
		emitChat: s.emitChat,
		emitAgent: func(payload any) {
			s.broadcast(protocol.EventAgent, payload, nil)
		},
		onFinish: func(elapsed time.Duration) {
			metrics.RunDuration.Record(context.Background(), elapsed.Seconds())
		},
	})
	return s, nil
}

// Start launches the background loops: health refresh, bus pump, tick, and
// heartbeat.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.health.Start(ctx)
	s.busSub = s.cfg.Bus.Subscribe("")
	s.wg.Add(3)
	go s.pumpLoop(ctx)
	go s.tickLoop(ctx)
	go s.heartbeatLoop(ctx)
	s.logger.Info("gateway started", "version", s.cfg.Version)
}

// Stop broadcasts a shutdown event, closes every connection, and halts the
// background loops.
func (s *Server) Stop() {
	s.broadcast(protocol.EventShutdown, map[string]any{
		"reason": "shutdown",
		"ts":     time.Now().UnixMilli(),
	}, nil)
	// Give the writers a moment to drain the shutdown frame.
	time.Sleep(50 * time.Millisecond)

	s.clientsMu.Lock()
	for c := range s.clients {
		c.close(websocket.StatusNormalClosure, "")
	}
	s.clients = make(map[*client]struct{})
	s.clientsMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cfg.Bus.Unsubscribe(s.busSub)
	s.wg.Wait()
	s.health.Stop()
	s.dedupe.Close()
	s.logger.Info("gateway stopped")
}

// Handler returns the HTTP mux for the gateway listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.health.Current()
	w.Header().Set("Content-Type", "application/json")
	if !snap.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Cfg.Gateway.AllowOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Cfg.Gateway.AllowOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug("ws accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	// The library limit sits above maxPayloadBytes so the read loop can
	// answer an oversized frame with INVALID_REQUEST before closing 1009,
	// instead of the transport cutting it off mid-read.
	conn.SetReadLimit(2 * protocol.MaxPayloadBytes)

	c, ok := s.handshake(r, conn)
	if !ok {
		return
	}
	defer s.dropClient(c, "socket closed")

	s.readLoop(r.Context(), c)
}

// handshake enforces the connect-first sequence: the first frame must be a
// valid connect req within 10 seconds, the protocol ranges must overlap,
// and the credentials must pass. Nothing is broadcast to a socket until it
// completes.
func (s *Server) handshake(r *http.Request, conn *websocket.Conn) (*client, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), protocol.HandshakeTimeout*time.Millisecond)
	defer cancel()

	var req protocol.RequestFrame
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusPolicyViolation, protocol.CloseInvalidHandshake)
		return nil, false
	}
	if req.Type != protocol.FrameTypeRequest || req.Method != protocol.MethodConnect {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "first frame must be connect"))
		conn.Close(websocket.StatusPolicyViolation, protocol.CloseInvalidHandshake)
		return nil, false
	}
	if err := s.schemas.Validate(protocol.MethodConnect, req.Params); err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.CodeOf(err), protocol.MessageOf(err)))
		conn.Close(websocket.StatusPolicyViolation, protocol.CloseInvalidHandshake)
		return nil, false
	}
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "malformed connect params"))
		conn.Close(websocket.StatusPolicyViolation, protocol.CloseInvalidHandshake)
		return nil, false
	}

	if params.MinProtocol > protocol.ProtocolVersion || params.MaxProtocol < protocol.ProtocolVersion {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.CodeProtocolMismatch, "server speaks protocol 1"))
		conn.Close(websocket.StatusProtocolError, protocol.CloseMismatch)
		return nil, false
	}

	creds := auth.FromRequest(r)
	if params.Auth != nil {
		creds.Token = params.Auth.Token
		creds.Password = params.Auth.Password
	}
	if !s.cfg.Auth.Authenticate(creds) {
		s.logger.Warn("handshake unauthorized",
			"client_id", params.Client.ID,
			"remote", s.cfg.Auth.ClientIP(creds),
		)
		audit.Record("gateway.connect", "deny", s.cfg.Auth.ClientIP(creds), "authentication failed")
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.CodeUnauthorized, "authentication failed"))
		conn.Close(websocket.StatusPolicyViolation, protocol.CloseUnauthorized)
		return nil, false
	}
	audit.Record("gateway.connect", "allow", params.Client.ID, "")

	c := newClient(conn, s.logger, params.Client)
	hello, err := s.buildHello(params)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, false
	}
	if err := wsjson.Write(ctx, conn, protocol.NewResponse(req.ID, hello)); err != nil {
		return nil, false
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	c.startWriter()
	s.metrics.ActiveClients.Add(context.Background(), 1)

	s.presence.Upsert(presence.Record{
		Key:         c.presenceKey,
		Kind:        "client",
		DisplayName: params.Client.DisplayName,
		Platform:    params.Client.Platform,
		Mode:        params.Client.Mode,
		Version:     params.Client.Version,
		Connected:   true,
	})
	s.logger.Info("client connected",
		"client_id", params.Client.ID,
		"instance_id", params.Client.InstanceID,
		"mode", params.Client.Mode,
	)
	return c, true
}

func (s *Server) buildHello(params protocol.ConnectParams) (json.RawMessage, error) {
	presenceRecords, presenceVersion := s.presence.Snapshot()
	presenceRaw := make([]json.RawMessage, 0, len(presenceRecords))
	for _, rec := range presenceRecords {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		presenceRaw = append(presenceRaw, raw)
	}
	healthSnap, healthVersion := s.health.Current()
	healthRaw, err := json.Marshal(healthSnap)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	hello := protocol.HelloPayload{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version:     s.cfg.Version,
			Host:        host,
			StartedAtMs: s.startedAt.UnixMilli(),
		},
		Features: protocol.HelloFeatures{
			Methods: protocol.Methods,
			Events:  protocol.Events,
		},
		Snapshot: protocol.HelloSnapshot{
			Presence: presenceRaw,
			Health:   healthRaw,
			StateVersion: protocol.StateVersions{
				Presence: presenceVersion,
				Health:   healthVersion,
			},
			Uptime: time.Since(s.startedAt).Milliseconds(),
		},
		Policy: protocol.HelloPolicy{
			MaxPayloadBytes:  protocol.MaxPayloadBytes,
			MaxBufferedBytes: protocol.MaxBufferedBytes,
			TickIntervalMs:   protocol.TickIntervalMs,
		},
	}
	return json.Marshal(hello)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if len(data) > protocol.MaxPayloadBytes {
			s.respond(c, protocol.NewErrorResponse("", protocol.CodeInvalidRequest, "frame exceeds maxPayloadBytes"))
			c.closeAfterFlush(websocket.StatusMessageTooBig, "payload too large")
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			// Malformed JSON after the handshake gets an error response;
			// the connection stays up.
			s.respond(c, protocol.NewErrorResponse("", protocol.CodeInvalidRequest, "malformed JSON frame"))
			continue
		}
		if req.Type != protocol.FrameTypeRequest {
			continue
		}
		// Handlers run concurrently so a slow node.invoke or login wait
		// does not block the connection's other requests.
		go s.handleRequest(ctx, c, req)
	}
}

func (s *Server) dropClient(c *client, reason string) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
	if present {
		s.metrics.ActiveClients.Add(context.Background(), -1)
		s.presence.MarkDisconnected(c.presenceKey, reason)
		s.logger.Info("client disconnected", "client_id", c.info.ID, "reason", reason)
	}
}

// ClientCount reports the number of completed-handshake connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
