package protocol

import (
	"encoding/json"
	"testing"
)

func TestKnownMethod(t *testing.T) {
	if !KnownMethod(MethodChatSend) {
		t.Fatalf("chat.send should be known")
	}
	if KnownMethod("connect") {
		t.Fatalf("connect is handshake-only, not a dispatchable method")
	}
	if KnownMethod("bogus.method") {
		t.Fatalf("unknown method reported as known")
	}
}

func TestDroppable(t *testing.T) {
	for _, ev := range []string{EventTick, EventHealth, EventHeartbeat} {
		if !Droppable(ev) {
			t.Errorf("%s should be droppable", ev)
		}
	}
	// Presence and cron results are state changes; a healthy connection
	// must never silently miss them.
	for _, ev := range []string{EventAgent, EventChat, EventShutdown, EventPresence, EventCron, EventNodePairRequested} {
		if Droppable(ev) {
			t.Errorf("%s must not be droppable", ev)
		}
	}
}

func TestMethodsAndEventsAdvertised(t *testing.T) {
	if len(Methods) != 45 {
		t.Fatalf("expected 45 methods, got %d", len(Methods))
	}
	if len(Events) != 11 {
		t.Fatalf("expected 11 events, got %d", len(Events))
	}
}

func TestSchemaRegistry_Connect(t *testing.T) {
	reg, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	valid := `{"minProtocol":1,"maxProtocol":1,"client":{"id":"cli"}}`
	if err := reg.Validate(MethodConnect, []byte(valid)); err != nil {
		t.Fatalf("valid connect rejected: %v", err)
	}

	missingClient := `{"minProtocol":1,"maxProtocol":1}`
	err = reg.Validate(MethodConnect, []byte(missingClient))
	if err == nil {
		t.Fatalf("connect without client accepted")
	}
	if CodeOf(err) != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %s", CodeOf(err))
	}
}

func TestSchemaRegistry_ChatSend(t *testing.T) {
	reg, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Validate(MethodChatSend, []byte(`{"sessionKey":"main","message":"hi"}`)); err != nil {
		t.Fatalf("valid chat.send rejected: %v", err)
	}
	if err := reg.Validate(MethodChatSend, []byte(`{"message":"hi"}`)); err == nil {
		t.Fatalf("chat.send without sessionKey accepted")
	}
}

func TestSchemaRegistry_UnregisteredMethodAcceptsAnything(t *testing.T) {
	reg, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Validate(MethodHealth, nil); err != nil {
		t.Fatalf("health with no params rejected: %v", err)
	}
	if err := reg.Validate(MethodStatus, []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("status with params rejected: %v", err)
	}
}

func TestErrorShapeRoundTrip(t *testing.T) {
	res := NewErrorResponse("42", CodeUnavailable, "agent not ready")
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ResponseFrame
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.OK || back.Error == nil || back.Error.Code != CodeUnavailable {
		t.Fatalf("unexpected frame: %+v", back)
	}
}

func TestCodeOf_PlainError(t *testing.T) {
	if got := CodeOf(json.Unmarshal([]byte("{"), &struct{}{})); got != CodeInternal {
		t.Fatalf("expected INTERNAL for plain error, got %s", got)
	}
}
