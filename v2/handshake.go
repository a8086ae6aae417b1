package v2

import (
	"encoding/json"
)

// ProtocolVersionV2 is the v2 protocol version.
const ProtocolVersionV2 = 2

// HandshakeRequest is sent by the proxy to initiate the v2 handshake.
type HandshakeRequest struct {
	// ProtocolVersion must be 2 for v2 protocol.
	ProtocolVersion uint32 `json:"protocol_version"`

	// ClientName identifies the connecting proxy.
	ClientName string `json:"client_name"`

	// SupportedFeatures lists features the proxy supports.
	SupportedFeatures []string `json:"supported_features,omitempty"`
}

// IsCompatibleVersion reports whether this request's protocol version can be
// served by this SDK's v2 implementation. A mismatch is not fatal on its
// own — the handshake handler logs it and proceeds anyway, forward-compatible
// with future proxy versions that still speak the same wire shape.
func (r *HandshakeRequest) IsCompatibleVersion() bool {
	return r.ProtocolVersion == ProtocolVersionV2
}

// HandshakeResponse is sent by the agent in response to HandshakeRequest.
type HandshakeResponse struct {
	ProtocolVersion uint32             `json:"protocol_version"`
	AgentName       string             `json:"agent_name"`
	Capabilities    *AgentCapabilities `json:"capabilities"`
	Error           string             `json:"error,omitempty"`
	Accepted        bool               `json:"accepted"`
}

// NewHandshakeRequest creates a new handshake request.
func NewHandshakeRequest(clientName string) *HandshakeRequest {
	return &HandshakeRequest{
		ProtocolVersion:   ProtocolVersionV2,
		ClientName:        clientName,
		SupportedFeatures: []string{},
	}
}

func (r *HandshakeRequest) WithFeature(feature string) *HandshakeRequest {
	r.SupportedFeatures = append(r.SupportedFeatures, feature)
	return r
}

func (r *HandshakeRequest) WithFeatures(features ...string) *HandshakeRequest {
	r.SupportedFeatures = append(r.SupportedFeatures, features...)
	return r
}

// NewHandshakeResponse creates an accepted handshake response.
func NewHandshakeResponse(agentName string, capabilities *AgentCapabilities) *HandshakeResponse {
	return &HandshakeResponse{
		ProtocolVersion: ProtocolVersionV2,
		AgentName:       agentName,
		Capabilities:    capabilities,
		Accepted:        true,
	}
}

// NewHandshakeResponseError creates a rejected handshake response.
func NewHandshakeResponseError(agentName string, err string) *HandshakeResponse {
	return &HandshakeResponse{
		ProtocolVersion: ProtocolVersionV2,
		AgentName:       agentName,
		Accepted:        false,
		Error:           err,
	}
}

// RegistrationRequest is sent by an agent initiating a reverse connection.
type RegistrationRequest struct {
	ProtocolVersion uint32                 `json:"protocol_version"`
	AgentID         string                 `json:"agent_id"`
	Capabilities    *AgentCapabilities     `json:"capabilities"`
	AuthToken       string                 `json:"auth_token,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// RegistrationResponse is sent by the proxy in response to RegistrationRequest.
type RegistrationResponse struct {
	Accepted   bool                   `json:"accepted"`
	Error      string                 `json:"error,omitempty"`
	AssignedID string                 `json:"assigned_id,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

// NewRegistrationRequest creates a new registration request.
func NewRegistrationRequest(agentID string, capabilities *AgentCapabilities) *RegistrationRequest {
	return &RegistrationRequest{
		ProtocolVersion: ProtocolVersionV2,
		AgentID:         agentID,
		Capabilities:    capabilities,
		Metadata:        make(map[string]interface{}),
	}
}

func (r *RegistrationRequest) WithAuthToken(token string) *RegistrationRequest {
	r.AuthToken = token
	return r
}

func (r *RegistrationRequest) WithMetadata(key string, value interface{}) *RegistrationRequest {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// NewRegistrationResponseAccepted creates an accepted registration response.
func NewRegistrationResponseAccepted(assignedID string) *RegistrationResponse {
	return &RegistrationResponse{Accepted: true, AssignedID: assignedID}
}

// NewRegistrationResponseRejected creates a rejected registration response.
func NewRegistrationResponseRejected(err string) *RegistrationResponse {
	return &RegistrationResponse{Accepted: false, Error: err}
}

func (r *RegistrationResponse) WithConfig(config map[string]interface{}) *RegistrationResponse {
	r.Config = config
	return r
}

// marshalHandshakeJSON and unmarshalHandshakeJSON back every Marshal*/Unmarshal*
// helper below; the four wire types differ but the envelope handling doesn't.

func marshalHandshakeJSON[T any](v *T) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalHandshakeJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func MarshalHandshakeRequest(req *HandshakeRequest) ([]byte, error) {
	return marshalHandshakeJSON(req)
}

func UnmarshalHandshakeRequest(data []byte) (*HandshakeRequest, error) {
	return unmarshalHandshakeJSON[HandshakeRequest](data)
}

func MarshalHandshakeResponse(resp *HandshakeResponse) ([]byte, error) {
	return marshalHandshakeJSON(resp)
}

func UnmarshalHandshakeResponse(data []byte) (*HandshakeResponse, error) {
	return unmarshalHandshakeJSON[HandshakeResponse](data)
}

func MarshalRegistrationRequest(req *RegistrationRequest) ([]byte, error) {
	return marshalHandshakeJSON(req)
}

func UnmarshalRegistrationRequest(data []byte) (*RegistrationRequest, error) {
	return unmarshalHandshakeJSON[RegistrationRequest](data)
}

func MarshalRegistrationResponse(resp *RegistrationResponse) ([]byte, error) {
	return marshalHandshakeJSON(resp)
}

func UnmarshalRegistrationResponse(data []byte) (*RegistrationResponse, error) {
	return unmarshalHandshakeJSON[RegistrationResponse](data)
}
