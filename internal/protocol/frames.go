// Package protocol defines the JSON frame envelope spoken on the WebSocket
// endpoint and the node bridge, the method/event enums, the error taxonomy,
// and the schema registry that validates inbound request parameters.
package protocol

import "encoding/json"

// ProtocolVersion is the single wire protocol version this daemon speaks.
// Clients advertise a [minProtocol, maxProtocol] range during connect and
// the handshake fails unless the range includes this version.
const ProtocolVersion = 1

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Policy limits advertised in the hello payload and enforced per connection.
const (
	MaxPayloadBytes   = 512 * 1024
	MaxBufferedBytes  = 1536 * 1024
	TickIntervalMs    = 30_000
	HandshakeTimeout  = 10_000
	HealthIntervalMs  = 60_000
	MaxChatHistoryLen = 6 * 1024 * 1024
)

// RequestFrame is an inbound req frame.
type RequestFrame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// ResponseFrame is an outbound res frame correlated to a req by ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is an outbound broadcast or targeted event. Seq is stamped by
// the broadcast layer at send time; StateVersion rides on presence/health
// events only.
type EventFrame struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`
}

// ErrorShape is the error object carried in failed responses.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams is the payload of the mandatory first frame.
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ClientInfo    `json:"client"`
	Auth        *AuthParams   `json:"auth,omitempty"`
	Role        string        `json:"role,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
	Device      *DeviceParams `json:"device,omitempty"`
	Locale      string        `json:"locale,omitempty"`
	UserAgent   string        `json:"userAgent,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// AuthParams carries connect-time credentials.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceParams identifies a paired device requesting a device token.
type DeviceParams struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// HelloPayload is the payload of the successful connect response.
type HelloPayload struct {
	Type     string        `json:"type"`
	Protocol int           `json:"protocol"`
	Server   ServerInfo    `json:"server"`
	Features HelloFeatures `json:"features"`
	Snapshot HelloSnapshot `json:"snapshot"`
	Policy   HelloPolicy   `json:"policy"`
	Auth     *HelloAuth    `json:"auth,omitempty"`
}

type ServerInfo struct {
	Version     string `json:"version"`
	Host        string `json:"host"`
	StartedAtMs int64  `json:"startedAtMs"`
}

type HelloFeatures struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type HelloSnapshot struct {
	Presence     []json.RawMessage `json:"presence"`
	Health       json.RawMessage   `json:"health,omitempty"`
	StateVersion StateVersions     `json:"stateVersion"`
	Uptime       int64             `json:"uptimeMs"`
}

type StateVersions struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

type HelloPolicy struct {
	MaxPayloadBytes  int `json:"maxPayload"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

type HelloAuth struct {
	DeviceToken string `json:"deviceToken,omitempty"`
}

// NewResponse builds an ok res frame. Payload must already be marshaled.
func NewResponse(id string, payload json.RawMessage) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed res frame.
func NewErrorResponse(id, code, message string) ResponseFrame {
	return ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds an event frame with an unmarshaled payload.
func NewEvent(event string, payload any) (EventFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventFrame{}, err
	}
	return EventFrame{Type: FrameTypeEvent, Event: event, Payload: raw}, nil
}
