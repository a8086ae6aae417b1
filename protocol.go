package warden

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the version of the v1 agent wire protocol.
const ProtocolVersion = 1

// MaxMessageSize is the maximum size of a v1 protocol frame (10 MiB).
const MaxMessageSize = 10 * 1024 * 1024

// EventType identifies the kind of event carried in an AgentRequest envelope.
type EventType string

const (
	EventTypeConfigure         EventType = "configure"
	EventTypeRequestHeaders    EventType = "request_headers"
	EventTypeRequestBodyChunk  EventType = "request_body_chunk"
	EventTypeResponseHeaders   EventType = "response_headers"
	EventTypeResponseBodyChunk EventType = "response_body_chunk"
	EventTypeRequestComplete   EventType = "request_complete"
	EventTypeWebSocketFrame    EventType = "websocket_frame"
)

// RequestMetadata carries identifying and transport information about the
// request a given event belongs to.
type RequestMetadata struct {
	CorrelationID string  `json:"correlation_id"`
	RequestID     string  `json:"request_id,omitempty"`
	ClientIP      string  `json:"client_ip"`
	ClientPort    int     `json:"client_port"`
	ServerName    *string `json:"server_name,omitempty"`
	Protocol      string  `json:"protocol"`
	TLSVersion    *string `json:"tls_version,omitempty"`
	TLSCipher     *string `json:"tls_cipher,omitempty"`
	RouteID       *string `json:"route_id,omitempty"`
	UpstreamID    *string `json:"upstream_id,omitempty"`
	Timestamp     *string `json:"timestamp,omitempty"`
	Traceparent   *string `json:"traceparent,omitempty"`
}

// RequestHeadersEvent represents incoming request headers (v1 payload).
type RequestHeadersEvent struct {
	Metadata RequestMetadata     `json:"metadata"`
	Method   string              `json:"method"`
	URI      string              `json:"uri"`
	Headers  map[string][]string `json:"headers"`
}

// RequestBodyChunkEvent represents one chunk of a request body.
type RequestBodyChunkEvent struct {
	CorrelationID string `json:"correlation_id"`
	Data          string `json:"data"` // base64-encoded, standard alphabet with padding
	ChunkIndex    int    `json:"chunk_index"`
	IsLast        bool   `json:"is_last"`
	TotalSize     *int   `json:"total_size,omitempty"`
	BytesReceived int    `json:"bytes_received"`
}

// DecodedData base64-decodes the chunk payload and returns any decode error.
// The v1 dispatcher logs a decode failure and replies Allow; it does not
// close the connection.
func (e *RequestBodyChunkEvent) DecodedData() ([]byte, error) {
	if e.Data == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(e.Data)
}

// ResponseHeadersEvent represents response headers received from upstream.
type ResponseHeadersEvent struct {
	CorrelationID string              `json:"correlation_id"`
	Status        int                 `json:"status"`
	Headers       map[string][]string `json:"headers"`
}

// ResponseBodyChunkEvent represents one chunk of a response body.
type ResponseBodyChunkEvent struct {
	CorrelationID string `json:"correlation_id"`
	Data          string `json:"data"` // base64-encoded
	ChunkIndex    int    `json:"chunk_index"`
	IsLast        bool   `json:"is_last"`
	TotalSize     *int   `json:"total_size,omitempty"`
	BytesSent     int    `json:"bytes_sent"`
}

// DecodedData base64-decodes the chunk payload.
func (e *ResponseBodyChunkEvent) DecodedData() ([]byte, error) {
	if e.Data == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(e.Data)
}

// RequestCompleteEvent indicates request processing has finished.
type RequestCompleteEvent struct {
	CorrelationID     string  `json:"correlation_id"`
	Status            int     `json:"status"`
	DurationMS        int     `json:"duration_ms"`
	RequestBodySize   int     `json:"request_body_size"`
	ResponseBodySize  int     `json:"response_body_size"`
	UpstreamAttempts  int     `json:"upstream_attempts,omitempty"`
	Error             *string `json:"error,omitempty"`
}

// WebSocketFrameEvent represents a single WebSocket frame.
type WebSocketFrameEvent struct {
	CorrelationID string `json:"correlation_id"`
	Opcode        int    `json:"opcode"`
	Data          string `json:"data"` // base64-encoded
	Direction     string `json:"direction"`
	FrameIndex    int    `json:"frame_index"`
}

// DecodedData base64-decodes the frame payload.
func (e *WebSocketFrameEvent) DecodedData() ([]byte, error) {
	if e.Data == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(e.Data)
}

// ConfigureEvent carries one-time agent configuration (v1 only; in v2
// configuration travels inside the handshake).
type ConfigureEvent struct {
	AgentID string                 `json:"agent_id"`
	Config  map[string]interface{} `json:"config"`
}

// HeaderOp is a single header mutation: Set, Add, or Remove a header by name.
// It is serialised as an externally-tagged object whose sole key
// names the operation, e.g. {"set":{"name":"X","value":"Y"}}.
type HeaderOp struct {
	Operation string  `json:"-"`
	Name      string  `json:"-"`
	Value     *string `json:"-"`
}

// SetHeaderOp builds a Set header operation.
func SetHeaderOp(name, value string) HeaderOp {
	return HeaderOp{Operation: "set", Name: name, Value: &value}
}

// AddHeaderOp builds an Add header operation.
func AddHeaderOp(name, value string) HeaderOp {
	return HeaderOp{Operation: "add", Name: name, Value: &value}
}

// RemoveHeaderOp builds a Remove header operation.
func RemoveHeaderOp(name string) HeaderOp {
	return HeaderOp{Operation: "remove", Name: name}
}

// MarshalJSON implements the discriminated-by-sole-key encoding for HeaderOp.
func (h HeaderOp) MarshalJSON() ([]byte, error) {
	if h.Operation == "remove" {
		return json.Marshal(map[string]interface{}{
			"remove": map[string]string{"name": h.Name},
		})
	}
	value := ""
	if h.Value != nil {
		value = *h.Value
	}
	return json.Marshal(map[string]interface{}{
		h.Operation: map[string]string{"name": h.Name, "value": value},
	})
}

// AuditMetadata carries observability information about a decision.
type AuditMetadata struct {
	Tags        []string               `json:"tags,omitempty"`
	RuleIDs     []string               `json:"rule_ids,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	ReasonCodes []string               `json:"reason_codes,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// IsEmpty reports whether the audit record carries no information at all,
// per §4.5's "audit is omitted entirely iff ..." rule.
func (a *AuditMetadata) IsEmpty() bool {
	return len(a.Tags) == 0 && len(a.RuleIDs) == 0 && len(a.ReasonCodes) == 0 &&
		len(a.Custom) == 0 && a.Confidence == nil
}

// BodyMutation describes how to rewrite one body chunk. A nil Data pointer
// means pass-through; an empty string means drop; any other string is the
// base64-encoded replacement payload.
type BodyMutation struct {
	ChunkIndex int     `json:"chunk_index"`
	Data       *string `json:"data"`
}

// DecisionPayload is the wire form of a built Decision: an internally
// tagged variant keyed by "type".
type DecisionPayload struct {
	Type          string
	Status        int
	Body          *string
	Headers       map[string]string
	URL           string
	ChallengeType string
	Params        map[string]interface{}
}

// MarshalJSON encodes only the fields relevant to the decision's variant.
func (d *DecisionPayload) MarshalJSON() ([]byte, error) {
	switch d.Type {
	case "block":
		return json.Marshal(struct {
			Type    string            `json:"type"`
			Status  int               `json:"status"`
			Body    *string           `json:"body,omitempty"`
			Headers map[string]string `json:"headers,omitempty"`
		}{"block", d.Status, d.Body, d.Headers})
	case "redirect":
		return json.Marshal(struct {
			Type   string `json:"type"`
			URL    string `json:"url"`
			Status int    `json:"status"`
		}{"redirect", d.URL, d.Status})
	case "challenge":
		return json.Marshal(struct {
			Type          string                 `json:"type"`
			ChallengeType string                 `json:"challenge_type"`
			Params        map[string]interface{} `json:"params,omitempty"`
		}{"challenge", d.ChallengeType, d.Params})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"allow"})
	}
}

// AgentResponse is the response from agent to proxy in the v1 profile.
type AgentResponse struct {
	Version              int               `json:"version"`
	Decision             *DecisionPayload  `json:"decision"`
	RequestHeaders       []HeaderOp        `json:"request_headers,omitempty"`
	ResponseHeaders      []HeaderOp        `json:"response_headers,omitempty"`
	RoutingMetadata      map[string]string `json:"routing_metadata,omitempty"`
	Audit                *AuditMetadata    `json:"audit,omitempty"`
	NeedsMore            bool              `json:"needs_more,omitempty"`
	RequestBodyMutation  *BodyMutation     `json:"request_body_mutation,omitempty"`
	ResponseBodyMutation *BodyMutation     `json:"response_body_mutation,omitempty"`
}

// NewAllowResponse creates a default allow response.
func NewAllowResponse() AgentResponse {
	return AgentResponse{
		Version:  ProtocolVersion,
		Decision: &DecisionPayload{Type: "allow"},
	}
}

// ReadMessage reads one length-prefixed JSON frame from r. A clean EOF
// before any bytes are read returns (nil, nil).
func ReadMessage(r io.Reader) (map[string]interface{}, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 || length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d outside permitted range [1, %d]", length, MaxMessageSize)
	}

	msgBuf := make([]byte, length)
	if _, err := io.ReadFull(r, msgBuf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(msgBuf, &result); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}

	return result, nil
}

// WriteMessage writes one length-prefixed JSON frame to w. The write is
// atomic at the frame level: length prefix and body are assembled into a
// single buffer before any bytes reach w.
func WriteMessage(w io.Writer, data interface{}) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if len(jsonBytes) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(jsonBytes), MaxMessageSize)
	}

	frame := make([]byte, 4+len(jsonBytes))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(jsonBytes)))
	copy(frame[4:], jsonBytes)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}
