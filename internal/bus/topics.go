package bus

// Bridge topics. Published by the node bridge, consumed by the gateway.
const (
	TopicBridgeTranscript  = "bridge.transcript"
	TopicBridgePairRequest = "bridge.pair.requested"
	TopicBridgePairResolve = "bridge.pair.resolved"
	TopicBridgeConnected   = "bridge.connected"
	TopicBridgeDisconnect  = "bridge.disconnected"
)

// Channel topics. Published by channel adapters (telegram, web).
const (
	TopicChannelInbound = "channel.inbound"
	TopicChannelState   = "channel.state"
)

// Cron topics.
const (
	TopicCronFired = "cron.fired"
)

// TranscriptEvent carries a voice transcript relayed by a node.
type TranscriptEvent struct {
	NodeID string
	Text   string
	Final  bool
}

// PairRequestEvent is published when an unknown node asks to pair.
type PairRequestEvent struct {
	RequestID string
	NodeID    string
	Name      string
	Platform  string
}

// AgentRequestEvent is a node asking for an agent turn on a session.
type AgentRequestEvent struct {
	NodeID     string
	SessionKey string
	Message    string
}

// PairResolvedEvent is published when a pairing request is approved or
// rejected.
type PairResolvedEvent struct {
	RequestID string
	NodeID    string
	Approved  bool
}

// InboundMessage is a message arriving from a channel adapter.
type InboundMessage struct {
	Channel    string
	From       string
	SessionKey string
	Text       string
}

// ChannelStateEvent reports an adapter's connection state transitions.
type ChannelStateEvent struct {
	Channel string
	State   string // "connected", "disconnected", "error", "logged_out"
	Detail  string
}

// CronFiredEvent is published each time a cron job runs.
type CronFiredEvent struct {
	JobID  string
	Name   string
	Status string // "ok", "error", "skipped"
	Error  string
}
