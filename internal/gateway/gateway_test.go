package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/knothq/gated/internal/agent"
	"github.com/knothq/gated/internal/auth"
	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/config"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/protocol"
)

const testToken = "test-token"

type fakeRunner struct {
	mu     sync.Mutex
	starts int
	aborts []string
	delay  time.Duration
}

func (f *fakeRunner) Start(_ context.Context, req agent.RunRequest) (string, error) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if req.RunSessionID != "" {
		return req.RunSessionID, nil
	}
	return fmt.Sprintf("rs-%d", n), nil
}

func (f *fakeRunner) Abort(_ context.Context, runSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, runSessionID)
	return nil
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	bus    *bus.Bus
	store  *persistence.Store
	runner *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gated.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{
		HomeDir: t.TempDir(),
		Gateway: config.GatewayConfig{
			Port: 0,
			Bind: "loopback",
			Auth: config.AuthConfig{Mode: "token", Token: testToken},
		},
		HeartbeatIntervalMinutes: 30,
	}
	eventBus := bus.New()
	runner := &fakeRunner{}

	srv, err := New(Config{
		Logger:       slog.Default(),
		Bus:          eventBus,
		Store:        store,
		Auth:         auth.New(cfg.Gateway.Auth),
		Runner:       runner,
		Cfg:          cfg,
		Version:      "test",
		ChatDebounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
		cancel()
	})
	return &testEnv{srv: srv, ts: ts, bus: eventBus, store: store, runner: runner}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func connectFrame(token string, minProto, maxProto int) protocol.RequestFrame {
	params, _ := json.Marshal(map[string]any{
		"minProtocol": minProto,
		"maxProtocol": maxProto,
		"client":      map[string]string{"id": "test-client", "instanceId": "i1"},
		"auth":        map[string]string{"token": token},
	})
	return protocol.RequestFrame{Type: "req", ID: "connect-1", Method: "connect", Params: params}
}

// handshake completes the connect exchange and returns the hello payload.
func (e *testEnv) handshake(t *testing.T, conn *websocket.Conn) protocol.HelloPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, connectFrame(testToken, 1, 1)); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	var res protocol.ResponseFrame
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if !res.OK {
		t.Fatalf("handshake failed: %+v", res.Error)
	}
	var hello protocol.HelloPayload
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	return hello
}

// request sends a req frame and reads frames until the matching res.
func request(t *testing.T, conn *websocket.Conn, frame protocol.RequestFrame) protocol.ResponseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write %s: %v", frame.Method, err)
	}
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("read response for %s: %v", frame.Method, err)
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.Type == protocol.FrameTypeResponse && res.ID == frame.ID {
			return res
		}
	}
}

func req(id, method string, params any) protocol.RequestFrame {
	raw, _ := json.Marshal(params)
	return protocol.RequestFrame{Type: "req", ID: id, Method: method, Params: raw}
}

func TestHandshake_HelloOK(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	hello := env.handshake(t, conn)

	if hello.Type != "hello-ok" || hello.Protocol != 1 {
		t.Fatalf("hello = %+v", hello)
	}
	if len(hello.Features.Methods) != len(protocol.Methods) {
		t.Fatalf("methods advertised = %d", len(hello.Features.Methods))
	}
	if hello.Policy.MaxPayloadBytes != protocol.MaxPayloadBytes ||
		hello.Policy.MaxBufferedBytes != protocol.MaxBufferedBytes ||
		hello.Policy.TickIntervalMs != protocol.TickIntervalMs {
		t.Fatalf("policy = %+v", hello.Policy)
	}
}

func TestHandshake_BadToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, connectFrame("wrong", 1, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res protocol.ResponseFrame
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.OK || res.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("res = %+v", res)
	}
	// The server closes the socket after the error response.
	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err == nil {
		t.Fatal("socket still open after auth failure")
	}
}

func TestHandshake_ProtocolMismatch(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, connectFrame(testToken, 5, 9)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res protocol.ResponseFrame
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.OK || res.Error.Code != protocol.CodeProtocolMismatch {
		t.Fatalf("res = %+v", res)
	}
}

func TestHandshake_FirstFrameNotConnect(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, req("x", "health", nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res protocol.ResponseFrame
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("res = %+v", res)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", "no.such.method", nil))
	if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("res = %+v", res)
	}
}

func TestDispatch_SchemaViolation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", protocol.MethodChatSend, map[string]string{"message": "hi"}))
	if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("res = %+v", res)
	}
}

func TestChatSend_StreamsChatEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", protocol.MethodChatSend, map[string]string{
		"sessionKey": "main",
		"message":    "hello there",
		"runId":      "run-1",
	}))
	if !res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}
	var accepted struct {
		RunSessionID string `json:"runSessionId"`
	}
	if err := json.Unmarshal(res.Payload, &accepted); err != nil || accepted.RunSessionID == "" {
		t.Fatalf("chat.send payload = %s", res.Payload)
	}

	// Drive the run from the runner side.
	rs := accepted.RunSessionID
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: rs, Seq: 1, Stream: "lifecycle", State: "started"})
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: rs, Seq: 2, Stream: "delta", Text: "hi "})
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: rs, Seq: 3, Stream: "delta", Text: "yourself"})
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: rs, Seq: 4, Stream: "lifecycle", State: "final"})

	states := map[string]string{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for states["final"] == "" {
		var frame protocol.EventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read events: %v (got %v)", err, states)
		}
		if frame.Type != protocol.FrameTypeEvent || frame.Event != protocol.EventChat {
			continue
		}
		if frame.Seq == nil {
			t.Fatal("chat event missing seq")
		}
		var p struct {
			State   string `json:"state"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Payload, &p)
		states[p.State] = p.Message
	}
	if states["final"] != "hi yourself" {
		t.Fatalf("final message = %q", states["final"])
	}

	// The exchange is persisted: user message plus final assistant text.
	history, err := env.store.History(context.Background(), "main", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Role != "assistant" || history[1].Content != "hi yourself" {
		t.Fatalf("history = %+v", history)
	}
}

func TestChatSend_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	frame := req("r1", protocol.MethodChatSend, map[string]string{
		"sessionKey": "main",
		"message":    "once",
	})
	frame.IdempotencyKey = "abc"
	first := request(t, conn, frame)
	if !first.OK {
		t.Fatalf("first send failed: %+v", first.Error)
	}

	frame.ID = "r2"
	second := request(t, conn, frame)
	if !second.OK {
		t.Fatalf("replay failed: %+v", second.Error)
	}
	if string(first.Payload) != string(second.Payload) {
		t.Fatalf("replay payload differs: %s vs %s", first.Payload, second.Payload)
	}
	if env.runner.startCount() != 1 {
		t.Fatalf("runner started %d times, want 1", env.runner.startCount())
	}
}

func TestChatSend_ConcurrentDuplicatesStartOneRun(t *testing.T) {
	env := newTestEnv(t)
	env.runner.delay = 150 * time.Millisecond
	conn := env.dial(t)
	env.handshake(t, conn)

	first := req("r1", protocol.MethodChatSend, map[string]string{
		"sessionKey": "main",
		"message":    "once",
	})
	first.IdempotencyKey = "dup-1"
	second := first
	second.ID = "r2"

	// Both frames land while the first handler is still inside the
	// runner; the duplicate must replay the interim accepted outcome
	// instead of starting a second run.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, first); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := wsjson.Write(ctx, conn, second); err != nil {
		t.Fatalf("write second: %v", err)
	}

	got := map[string]protocol.ResponseFrame{}
	for len(got) < 2 {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("read responses: %v", err)
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.Type == protocol.FrameTypeResponse && (res.ID == "r1" || res.ID == "r2") {
			got[res.ID] = res
		}
	}
	for id, res := range got {
		if !res.OK {
			t.Fatalf("%s failed: %+v", id, res.Error)
		}
	}
	if env.runner.startCount() != 1 {
		t.Fatalf("runner started %d times for one idempotency key", env.runner.startCount())
	}
}

func TestChatAbort(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", protocol.MethodChatSend, map[string]string{
		"sessionKey": "main",
		"message":    "long task",
		"runId":      "run-1",
	}))
	if !res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}

	res = request(t, conn, req("r2", protocol.MethodChatAbort, map[string]string{
		"sessionKey": "main",
		"runId":      "run-1",
	}))
	if !res.OK {
		t.Fatalf("chat.abort failed: %+v", res.Error)
	}
	var out struct {
		Aborted bool `json:"aborted"`
	}
	_ = json.Unmarshal(res.Payload, &out)
	if !out.Aborted {
		t.Fatal("abort reported false")
	}

	env.runner.mu.Lock()
	aborts := len(env.runner.aborts)
	env.runner.mu.Unlock()
	if aborts != 1 {
		t.Fatalf("runner aborts = %d", aborts)
	}
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", protocol.MethodStatus, nil))
	if !res.OK {
		t.Fatalf("status failed: %+v", res.Error)
	}
	var status struct {
		Version string `json:"version"`
		Clients int    `json:"clients"`
	}
	_ = json.Unmarshal(res.Payload, &status)
	if status.Version != "test" || status.Clients != 1 {
		t.Fatalf("status = %+v", status)
	}

	res = request(t, conn, req("r2", protocol.MethodHealth, nil))
	if !res.OK {
		t.Fatalf("health failed: %+v", res.Error)
	}
}

func TestSystemEvent_RejectsNonDroppable(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	res := request(t, conn, req("r1", protocol.MethodSystemEvent, map[string]any{
		"event": protocol.EventShutdown,
	}))
	if res.OK || res.Error.Code != protocol.CodeForbidden {
		t.Fatalf("res = %+v", res)
	}
}

func TestCapHistoryBytes(t *testing.T) {
	msgs := []persistence.Message{
		{ID: 1, Role: "user", Content: strings.Repeat("a", 100)},
		{ID: 2, Role: "assistant", Content: strings.Repeat("b", 100)},
		{ID: 3, Role: "user", Content: strings.Repeat("c", 100)},
	}
	capped := capHistoryBytes(msgs, 300)
	if len(capped) >= 3 {
		t.Fatalf("nothing trimmed: %d", len(capped))
	}
	// Newest message always survives.
	if capped[len(capped)-1].ID != 3 {
		t.Fatalf("newest message lost: %+v", capped)
	}
	if got := capHistoryBytes(msgs, 1<<20); len(got) != 3 {
		t.Fatalf("budget not reached but trimmed: %d", len(got))
	}
}

func TestReadLoop_MalformedJSONKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	// The server answers with an error response instead of dropping the
	// socket.
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("connection died on malformed JSON: %v", err)
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil || res.Type != protocol.FrameTypeResponse {
			continue
		}
		if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
			t.Fatalf("res = %+v", res)
		}
		break
	}

	// And keeps serving requests afterwards.
	res := request(t, conn, req("r2", protocol.MethodStatus, map[string]any{}))
	if !res.OK {
		t.Fatalf("status after malformed frame failed: %+v", res.Error)
	}
}

func TestReadLoop_OversizedFrameAnsweredThenClosed(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	big := make([]byte, protocol.MaxPayloadBytes+1024)
	for i := range big {
		big[i] = 'a'
	}
	if err := conn.Write(ctx, websocket.MessageText, big); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}

	sawErrorRes := false
	for {
		var raw json.RawMessage
		err := wsjson.Read(ctx, conn, &raw)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusMessageTooBig {
				t.Fatalf("close status = %v, want 1009", err)
			}
			break
		}
		var res protocol.ResponseFrame
		if jsonErr := json.Unmarshal(raw, &res); jsonErr != nil || res.Type != protocol.FrameTypeResponse {
			continue
		}
		if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
			t.Fatalf("res = %+v", res)
		}
		sawErrorRes = true
	}
	if !sawErrorRes {
		t.Fatal("no error response before the 1009 close")
	}
}

func TestBroadcast_BurstOfSmallEventsKeepsHealthyConsumer(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	// Far more frames than any fixed queue length, far fewer bytes than
	// maxBufferedBytes. A reading client must survive the burst.
	const n = 1600
	go func() {
		for i := 0; i < n; i++ {
			env.srv.broadcast(protocol.EventChat, map[string]int{"i": i}, nil)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seen := 0
	for seen < n {
		var frame protocol.EventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("connection died after %d events: %v", seen, err)
		}
		if frame.Type == protocol.FrameTypeEvent && frame.Event == protocol.EventChat {
			seen++
		}
	}

	res := request(t, conn, req("r1", protocol.MethodStatus, map[string]any{}))
	if !res.OK {
		t.Fatalf("status after burst failed: %+v", res.Error)
	}
}

func TestBroadcast_SeqMonotonicUnderConcurrentBroadcasters(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	const workers = 4
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				env.srv.broadcast(protocol.EventChat, map[string]string{"msg": "x"}, nil)
			}
		}()
	}
	defer wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var last int64
	seen := 0
	for seen < workers*perWorker {
		var frame protocol.EventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read events: %v", err)
		}
		if frame.Type != protocol.FrameTypeEvent || frame.Seq == nil {
			continue
		}
		if *frame.Seq <= last {
			t.Fatalf("seq went backwards: %d after %d", *frame.Seq, last)
		}
		last = *frame.Seq
		if frame.Event == protocol.EventChat {
			seen++
		}
	}
}

func TestAgentSeqGap_UntrackedRunGetsSyntheticError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.handshake(t, conn)

	// A run the gateway never tracked (started out-of-band) still gets
	// its sequence continuity checked on the broadcast path.
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: "rs-ext", Seq: 1, Stream: "delta", Text: "a"})
	env.bus.Publish(bus.TopicAgentEvent, bus.AgentEvent{RunSessionID: "rs-ext", Seq: 3, Stream: "delta", Text: "c"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame protocol.EventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read events: %v", err)
		}
		if frame.Type != protocol.FrameTypeEvent || frame.Event != protocol.EventAgent {
			continue
		}
		var payload struct {
			RunSessionID string `json:"runSessionId"`
			Stream       string `json:"stream"`
			Error        string `json:"error"`
			Data         struct {
				Expected int64 `json:"expected"`
				Received int64 `json:"received"`
			} `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("decode agent payload: %v", err)
		}
		if payload.Stream != "error" || payload.Error != "sequence gap" {
			continue
		}
		if payload.RunSessionID != "rs-ext" || payload.Data.Expected != 2 || payload.Data.Received != 3 {
			t.Fatalf("gap payload = %+v", payload)
		}
		return
	}
}
