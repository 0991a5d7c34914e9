// Package wire defines the control-channel message envelope and framed
// transport shared by the edge server and the agent.
package wire

import "encoding/json"

// Message type tags. Every frame on the control channel carries one of
// these in its "type" field.
const (
	TypeRegister           = "register"
	TypeRegisterConfirm    = "register_confirm"
	TypeHeartbeat          = "heartbeat"
	TypeHeartbeatResponse  = "heartbeat_response"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeRequest            = "request"
	TypeResponse           = "response"
	TypeError              = "error"
	TypeProgress           = "progress"
)

// RegisterMessage is sent agent -> server to open or re-open a tunnel.
type RegisterMessage struct {
	Type      string `json:"type"`
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain,omitempty"`
	Token     string `json:"token,omitempty"`
}

// RegisterConfirmMessage is sent server -> agent to confirm registration.
type RegisterConfirmMessage struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnel_id"`
	Status   string `json:"status"`
}

// HeartbeatMessage is an application-level keepalive, either direction.
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Count     int64  `json:"count,omitempty"`
}

// HeartbeatResponseMessage answers a HeartbeatMessage.
type HeartbeatResponseMessage struct {
	Type              string `json:"type"`
	Timestamp         int64  `json:"timestamp,omitempty"`
	OriginalTimestamp int64  `json:"original_timestamp,omitempty"`
	ServerTime        int64  `json:"server_time,omitempty"`
}

// PingMessage probes a silent peer.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type              string `json:"type"`
	Timestamp         int64  `json:"timestamp"`
	OriginalTimestamp int64  `json:"original_timestamp"`
}

// RequestMessage carries a forwarded public HTTP request, server -> agent.
// Data is a JSON-encoded RequestPayload, double-encoded per the wire
// format's compatibility requirement — it is NOT flattened into the
// envelope.
type RequestMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// ResponseMessage carries the agent's answer, agent -> server. Data is a
// JSON-encoded ResponsePayload, same double-encoding rule as RequestMessage.
type ResponseMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// ErrorMessage reports a per-request or connection-level failure.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

// ProgressMessage advises that a long-running request is still in flight.
// It never completes a PendingRequest.
type ProgressMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RequestPayload is the JSON object embedded (as a string) in a
// RequestMessage's Data field.
type RequestPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ResponsePayload is the JSON object embedded (as a string) in a
// ResponseMessage's Data field.
type ResponsePayload struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	IsBinary bool              `json:"is_binary"`
}

// EncodeRequestPayload double-encodes a RequestPayload for a RequestMessage.
func EncodeRequestPayload(p RequestPayload) (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// DecodeRequestPayload decodes a RequestMessage's Data field.
func DecodeRequestPayload(data string) (RequestPayload, error) {
	var p RequestPayload
	err := json.Unmarshal([]byte(data), &p)
	return p, err
}

// EncodeResponsePayload double-encodes a ResponsePayload for a ResponseMessage.
func EncodeResponsePayload(p ResponsePayload) (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// DecodeResponsePayload decodes a ResponseMessage's Data field.
func DecodeResponsePayload(data string) (ResponsePayload, error) {
	var p ResponsePayload
	err := json.Unmarshal([]byte(data), &p)
	return p, err
}

// NewRegisterMessage creates a register message.
func NewRegisterMessage(tunnelID, subdomain, token string) *RegisterMessage {
	return &RegisterMessage{Type: TypeRegister, TunnelID: tunnelID, Subdomain: subdomain, Token: token}
}

// NewRegisterConfirmMessage creates a register_confirm message.
func NewRegisterConfirmMessage(tunnelID, status string) *RegisterConfirmMessage {
	return &RegisterConfirmMessage{Type: TypeRegisterConfirm, TunnelID: tunnelID, Status: status}
}

// NewHeartbeatMessage creates a heartbeat message.
func NewHeartbeatMessage(timestamp, count int64) *HeartbeatMessage {
	return &HeartbeatMessage{Type: TypeHeartbeat, Timestamp: timestamp, Count: count}
}

// NewHeartbeatResponseMessage creates a heartbeat_response message.
func NewHeartbeatResponseMessage(timestamp, original, serverTime int64) *HeartbeatResponseMessage {
	return &HeartbeatResponseMessage{
		Type:              TypeHeartbeatResponse,
		Timestamp:         timestamp,
		OriginalTimestamp: original,
		ServerTime:        serverTime,
	}
}

// NewPingMessage creates a ping message.
func NewPingMessage(timestamp int64) *PingMessage {
	return &PingMessage{Type: TypePing, Timestamp: timestamp}
}

// NewPongMessage creates a pong message.
func NewPongMessage(timestamp, original int64) *PongMessage {
	return &PongMessage{Type: TypePong, Timestamp: timestamp, OriginalTimestamp: original}
}

// NewRequestMessage creates a request message.
func NewRequestMessage(requestID, data string) *RequestMessage {
	return &RequestMessage{Type: TypeRequest, RequestID: requestID, Data: data}
}

// NewResponseMessage creates a response message.
func NewResponseMessage(requestID, data string) *ResponseMessage {
	return &ResponseMessage{Type: TypeResponse, RequestID: requestID, Data: data}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, RequestID: requestID, Error: message}
}

// NewProgressMessage creates a progress message.
func NewProgressMessage(requestID, message string, timestamp int64) *ProgressMessage {
	return &ProgressMessage{Type: TypeProgress, RequestID: requestID, Message: message, Timestamp: timestamp}
}
