package v2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	warden "github.com/wardenhq/warden-agent-sdk"
)

// AgentHandlerV2 handles v2 protocol events and routes them to the agent.
type AgentHandlerV2 struct {
	agent AgentV2

	// Request state tracking
	requests       map[uint64]*warden.Request
	requestBodies  map[uint64][]byte
	responseBodies map[uint64][]byte
	responseEvents map[uint64]*V2ResponseHeaders
	mu             sync.RWMutex

	// Metrics tracking
	metrics *MetricsCollector

	// Cancellation
	cancelFuncs map[uint64]context.CancelFunc
	cancelMu    sync.Mutex
}

// NewAgentHandlerV2 creates a new v2 handler for the given agent.
func NewAgentHandlerV2(agent AgentV2) *AgentHandlerV2 {
	return &AgentHandlerV2{
		agent:          agent,
		requests:       make(map[uint64]*warden.Request),
		requestBodies:  make(map[uint64][]byte),
		responseBodies: make(map[uint64][]byte),
		responseEvents: make(map[uint64]*V2ResponseHeaders),
		metrics:        NewMetricsCollector(),
		cancelFuncs:    make(map[uint64]context.CancelFunc),
	}
}

// HandleMessage handles an incoming v2 protocol message.
func (h *AgentHandlerV2) HandleMessage(ctx context.Context, msg *V2Message) (*V2Message, error) {
	switch msg.Type {
	case MsgTypeHandshakeRequest:
		return h.handleHandshake(ctx, msg)
	case MsgTypeRequestHeaders:
		return h.handleRequestHeaders(ctx, msg)
	case MsgTypeRequestBodyChunk:
		return h.handleRequestBodyChunk(ctx, msg)
	case MsgTypeResponseHeaders:
		return h.handleResponseHeaders(ctx, msg)
	case MsgTypeResponseBodyChunk:
		return h.handleResponseBodyChunk(ctx, msg)
	case MsgTypeCancelRequest:
		return h.handleCancelRequest(ctx, msg)
	case MsgTypeCancelAll:
		return h.handleCancelAll(ctx, msg)
	case MsgTypePing:
		return h.handlePing(ctx, msg)
	case MsgTypeHealthRequest:
		return h.handleHealthRequest(ctx, msg)
	case MsgTypeMetricsRequest:
		return h.handleMetricsRequest(ctx, msg)
	default:
		log.Warn().Str("type", msg.TypeName()).Msg("unknown v2 message type")
		return h.buildAllowDecision(0)
	}
}

// handleHandshake validates protocol_version permissively: a mismatch is
// logged at warn but the handshake still succeeds with the agent's normal
// capabilities, per the v2 forward-compatibility requirement.
func (h *AgentHandlerV2) handleHandshake(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var req HandshakeRequest
	if err := msg.ParsePayload(&req); err != nil {
		log.Error().Err(err).Msg("failed to parse handshake request")
		resp := NewHandshakeResponseError(h.agent.Name(), "failed to parse handshake")
		return NewV2Message(MsgTypeHandshakeResponse, resp)
	}

	if !req.IsCompatibleVersion() {
		log.Warn().
			Uint32("version", req.ProtocolVersion).
			Msg("handshake protocol_version mismatch, proceeding anyway")
	}

	log.Info().
		Str("client", req.ClientName).
		Uint32("version", req.ProtocolVersion).
		Msg("handshake request received")

	resp := NewHandshakeResponse(h.agent.Name(), h.agent.Capabilities())
	return NewV2Message(MsgTypeHandshakeResponse, resp)
}

func (h *AgentHandlerV2) handleRequestHeaders(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var headers V2RequestHeaders
	if err := msg.ParsePayload(&headers); err != nil {
		log.Error().Err(err).Msg("failed to parse request headers")
		return h.buildAllowDecision(0)
	}

	startTime := time.Now()
	h.metrics.IncrementActive()
	defer h.metrics.DecrementActive()

	reqCtx, cancel := context.WithCancel(ctx)
	h.cancelMu.Lock()
	h.cancelFuncs[headers.RequestID] = cancel
	h.cancelMu.Unlock()
	defer func() {
		h.cancelMu.Lock()
		delete(h.cancelFuncs, headers.RequestID)
		h.cancelMu.Unlock()
	}()

	// Reuse the v1 event/request types so the agent interface stays shared
	// between profiles.
	event := &warden.RequestHeadersEvent{
		Metadata: warden.RequestMetadata{
			CorrelationID: headers.Metadata.CorrelationID,
			ClientIP:      headers.Metadata.ClientIP,
			ClientPort:    headers.Metadata.ClientPort,
			ServerName:    headers.Metadata.ServerName,
			Protocol:      headers.Metadata.Protocol,
			TLSVersion:    headers.Metadata.TLSVersion,
		},
		Method:  headers.Method,
		URI:     headers.URI,
		Headers: headers.Headers,
	}

	request := warden.NewRequest(event, nil)

	h.mu.Lock()
	h.requests[headers.RequestID] = request
	h.requestBodies[headers.RequestID] = []byte{}
	h.mu.Unlock()

	decision := callCapabilityV2(false, func() *warden.Decision { return h.agent.OnRequest(reqCtx, request) })
	elapsed := time.Since(startTime).Seconds() * 1000

	response := decision.BuildV2()
	isAllowed := response.Decision != nil && response.Decision.Type == "allow"
	h.metrics.RecordRequest(isAllowed, elapsed)
	if response.Audit != nil && containsTag(response.Audit.Tags, "challenge_lowered") {
		h.metrics.RecordChallengeLowered()
	}

	return h.buildDecisionMessage(headers.RequestID, decision)
}

func (h *AgentHandlerV2) handleRequestBodyChunk(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var chunk V2RequestBodyChunk
	if err := msg.ParsePayload(&chunk); err != nil {
		log.Error().Err(err).Msg("failed to parse request body chunk")
		return h.buildAllowDecision(0)
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode body chunk data")
		return h.buildAllowDecision(chunk.RequestID)
	}

	h.mu.Lock()
	h.requestBodies[chunk.RequestID] = append(h.requestBodies[chunk.RequestID], data...)
	body := h.requestBodies[chunk.RequestID]
	request := h.requests[chunk.RequestID]
	h.mu.Unlock()

	if chunk.IsLast && request != nil {
		requestWithBody := request.WithBody(body)
		decision := callCapabilityV2(false, func() *warden.Decision { return h.agent.OnRequestBody(ctx, requestWithBody) })
		return h.buildDecisionMessage(chunk.RequestID, decision)
	}

	return h.buildNeedsMoreDecision(chunk.RequestID)
}

func (h *AgentHandlerV2) handleResponseHeaders(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var headers V2ResponseHeaders
	if err := msg.ParsePayload(&headers); err != nil {
		log.Error().Err(err).Msg("failed to parse response headers")
		return h.buildAllowDecision(0)
	}

	h.mu.RLock()
	request := h.requests[headers.RequestID]
	h.mu.RUnlock()

	if request == nil {
		log.Warn().Uint64("request_id", headers.RequestID).Msg("no cached request for request_id")
		return h.buildAllowDecision(headers.RequestID)
	}

	event := &warden.ResponseHeadersEvent{
		CorrelationID: request.CorrelationID(),
		Status:        int(headers.StatusCode),
		Headers:       headers.Headers,
	}

	response := warden.NewResponse(event, nil)

	h.mu.Lock()
	h.responseEvents[headers.RequestID] = &headers
	h.responseBodies[headers.RequestID] = []byte{}
	h.mu.Unlock()

	decision := callCapabilityV2(true, func() *warden.Decision { return h.agent.OnResponse(ctx, request, response) })
	return h.buildDecisionMessage(headers.RequestID, decision)
}

func (h *AgentHandlerV2) handleResponseBodyChunk(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var chunk V2ResponseBodyChunk
	if err := msg.ParsePayload(&chunk); err != nil {
		log.Error().Err(err).Msg("failed to parse response body chunk")
		return h.buildAllowDecision(0)
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode response body chunk data")
		return h.buildAllowDecision(chunk.RequestID)
	}

	h.mu.RLock()
	responseEvent := h.responseEvents[chunk.RequestID]
	h.mu.RUnlock()

	if responseEvent == nil {
		// Invariant 3: a response body chunk before response headers (or with
		// no context at all) is rejected, not synthesized around.
		log.Warn().Uint64("request_id", chunk.RequestID).Msg("response_body_chunk before response_headers")
		return h.buildAllowDecision(chunk.RequestID)
	}

	h.mu.Lock()
	h.responseBodies[chunk.RequestID] = append(h.responseBodies[chunk.RequestID], data...)
	request := h.requests[chunk.RequestID]
	h.mu.Unlock()

	if request != nil {
		event := &warden.ResponseHeadersEvent{
			CorrelationID: request.CorrelationID(),
			Status:        int(responseEvent.StatusCode),
			Headers:       responseEvent.Headers,
		}
		response := warden.NewResponse(event, data)

		decision := callCapabilityV2(true, func() *warden.Decision { return h.agent.OnResponseBody(ctx, request, response) })
		return h.buildDecisionMessage(chunk.RequestID, decision)
	}

	return h.buildNeedsMoreDecision(chunk.RequestID)
}

func (h *AgentHandlerV2) handleCancelRequest(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var cancel CancelRequestMessage
	if err := msg.ParsePayload(&cancel); err != nil {
		log.Error().Err(err).Msg("failed to parse cancel request")
		return nil, nil
	}

	log.Debug().Uint64("request_id", cancel.RequestID).Msg("cancelling request")

	h.cancelMu.Lock()
	if cancelFunc, ok := h.cancelFuncs[cancel.RequestID]; ok {
		cancelFunc()
		delete(h.cancelFuncs, cancel.RequestID)
	}
	h.cancelMu.Unlock()

	h.mu.Lock()
	delete(h.requests, cancel.RequestID)
	delete(h.requestBodies, cancel.RequestID)
	delete(h.responseBodies, cancel.RequestID)
	delete(h.responseEvents, cancel.RequestID)
	h.mu.Unlock()

	h.agent.OnCancel(ctx, cancel.RequestID)

	return nil, nil
}

func (h *AgentHandlerV2) handleCancelAll(ctx context.Context, msg *V2Message) (*V2Message, error) {
	log.Debug().Msg("cancelling all requests")

	h.cancelMu.Lock()
	for requestID, cancelFunc := range h.cancelFuncs {
		cancelFunc()
		h.agent.OnCancel(ctx, requestID)
	}
	h.cancelFuncs = make(map[uint64]context.CancelFunc)
	h.cancelMu.Unlock()

	h.mu.Lock()
	h.requests = make(map[uint64]*warden.Request)
	h.requestBodies = make(map[uint64][]byte)
	h.responseBodies = make(map[uint64][]byte)
	h.responseEvents = make(map[uint64]*V2ResponseHeaders)
	h.mu.Unlock()

	return nil, nil
}

func (h *AgentHandlerV2) handlePing(ctx context.Context, msg *V2Message) (*V2Message, error) {
	var ping PingMessage
	if err := msg.ParsePayload(&ping); err != nil {
		ping.Timestamp = time.Now().UnixNano()
	}

	pong := PongMessage{Timestamp: ping.Timestamp}
	return NewV2Message(MsgTypePong, pong)
}

func (h *AgentHandlerV2) handleHealthRequest(ctx context.Context, msg *V2Message) (*V2Message, error) {
	health := h.agent.HealthCheck(ctx)
	return NewV2Message(MsgTypeHealthResponse, health)
}

func (h *AgentHandlerV2) handleMetricsRequest(ctx context.Context, msg *V2Message) (*V2Message, error) {
	metrics := h.agent.Metrics(ctx)
	return NewV2Message(MsgTypeMetricsResponse, metrics)
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// buildDecisionMessage renders a decision for the wire, lowering Challenge
// to Block since the v2 schema has no challenge variant (see Decision.BuildV2).
func (h *AgentHandlerV2) buildDecisionMessage(requestID uint64, decision *warden.Decision) (*V2Message, error) {
	response := decision.BuildV2()

	v2Decision := V2Decision{
		RequestID: requestID,
		Decision:  response.Decision,
		NeedsMore: response.NeedsMore,
	}

	for _, op := range response.RequestHeaders {
		v2Decision.RequestHeaders = append(v2Decision.RequestHeaders, V2HeaderOp{
			Operation: op.Operation,
			Name:      op.Name,
			Value:     op.Value,
		})
	}

	for _, op := range response.ResponseHeaders {
		v2Decision.ResponseHeaders = append(v2Decision.ResponseHeaders, V2HeaderOp{
			Operation: op.Operation,
			Name:      op.Name,
			Value:     op.Value,
		})
	}

	if response.RequestBodyMutation != nil {
		v2Decision.RequestBodyMutation = &V2BodyMutation{
			ChunkIndex: response.RequestBodyMutation.ChunkIndex,
			Data:       response.RequestBodyMutation.Data,
		}
	}
	if response.ResponseBodyMutation != nil {
		v2Decision.ResponseBodyMutation = &V2BodyMutation{
			ChunkIndex: response.ResponseBodyMutation.ChunkIndex,
			Data:       response.ResponseBodyMutation.Data,
		}
	}

	if response.Audit != nil && !response.Audit.IsEmpty() {
		audit := make(map[string]interface{})
		if len(response.Audit.Tags) > 0 {
			audit["tags"] = response.Audit.Tags
		}
		if len(response.Audit.RuleIDs) > 0 {
			audit["rule_ids"] = response.Audit.RuleIDs
		}
		if response.Audit.Confidence != nil {
			audit["confidence"] = *response.Audit.Confidence
		}
		if len(response.Audit.ReasonCodes) > 0 {
			audit["reason_codes"] = response.Audit.ReasonCodes
		}
		if len(response.Audit.Custom) > 0 {
			audit["custom"] = response.Audit.Custom
		}
		v2Decision.Audit = audit
	}

	return NewV2Message(MsgTypeDecision, v2Decision)
}

func (h *AgentHandlerV2) buildAllowDecision(requestID uint64) (*V2Message, error) {
	v2Decision := V2Decision{
		RequestID: requestID,
		Decision:  &warden.DecisionPayload{Type: "allow"},
	}
	return NewV2Message(MsgTypeDecision, v2Decision)
}

func (h *AgentHandlerV2) buildNeedsMoreDecision(requestID uint64) (*V2Message, error) {
	v2Decision := V2Decision{
		RequestID: requestID,
		Decision:  &warden.DecisionPayload{Type: "allow"},
		NeedsMore: true,
	}
	return NewV2Message(MsgTypeDecision, v2Decision)
}

// callCapabilityV2 invokes fn and recovers from any panic, mirroring the v1
// dispatcher's error-isolation rule: request-side panics become Block{500},
// response-side panics become Allow.
func callCapabilityV2(responseSide bool, fn func() *warden.Decision) (decision *warden.Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("capability call panicked")
			if responseSide {
				decision = warden.Allow()
			} else {
				decision = warden.Block(500)
			}
		}
	}()
	return fn()
}

// Cleanup cleans up resources for a completed request.
func (h *AgentHandlerV2) Cleanup(requestID uint64) {
	h.mu.Lock()
	delete(h.requests, requestID)
	delete(h.requestBodies, requestID)
	delete(h.responseBodies, requestID)
	delete(h.responseEvents, requestID)
	h.mu.Unlock()

	h.cancelMu.Lock()
	if cancelFunc, ok := h.cancelFuncs[requestID]; ok {
		cancelFunc()
		delete(h.cancelFuncs, requestID)
	}
	h.cancelMu.Unlock()
}

// HandleLegacyEvent handles a v1 protocol event for backward compatibility,
// letting a v2 agent also be driven over the v1 length-prefixed JSON wire.
func (h *AgentHandlerV2) HandleLegacyEvent(ctx context.Context, event map[string]interface{}) (interface{}, error) {
	eventType, _ := event["event_type"].(string)
	payload, _ := event["payload"].(map[string]interface{})

	switch warden.EventType(eventType) {
	case warden.EventTypeConfigure:
		return h.handleLegacyConfigure(ctx, payload)
	case warden.EventTypeRequestHeaders:
		return h.handleLegacyRequestHeaders(ctx, payload)
	case warden.EventTypeRequestBodyChunk:
		return h.handleLegacyRequestBodyChunk(ctx, payload)
	case warden.EventTypeResponseHeaders:
		return h.handleLegacyResponseHeaders(ctx, payload)
	case warden.EventTypeResponseBodyChunk:
		return h.handleLegacyResponseBodyChunk(ctx, payload)
	case warden.EventTypeRequestComplete:
		return h.handleLegacyRequestComplete(ctx, payload)
	default:
		log.Warn().Str("event_type", eventType).Msg("unknown legacy event type")
		return warden.Allow().Build(), nil
	}
}

func (h *AgentHandlerV2) handleLegacyConfigure(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	config, _ := payload["config"].(map[string]interface{})
	if err := h.agent.OnConfigure(ctx, config); err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true}, nil
}

func (h *AgentHandlerV2) handleLegacyRequestHeaders(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	jsonBytes, _ := json.Marshal(payload)
	var event warden.RequestHeadersEvent
	if err := json.Unmarshal(jsonBytes, &event); err != nil {
		return warden.Allow().Build(), nil
	}

	request := warden.NewRequest(&event, nil)
	requestID := hashString(event.Metadata.CorrelationID)

	h.mu.Lock()
	h.requests[requestID] = request
	h.requestBodies[requestID] = []byte{}
	h.mu.Unlock()

	decision := callCapabilityV2(false, func() *warden.Decision { return h.agent.OnRequest(ctx, request) })
	return decision.Build(), nil
}

func (h *AgentHandlerV2) handleLegacyRequestBodyChunk(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	jsonBytes, _ := json.Marshal(payload)
	var event warden.RequestBodyChunkEvent
	if err := json.Unmarshal(jsonBytes, &event); err != nil {
		return warden.Allow().Build(), nil
	}

	requestID := hashString(event.CorrelationID)
	data, _ := event.DecodedData()

	h.mu.Lock()
	h.requestBodies[requestID] = append(h.requestBodies[requestID], data...)
	body := h.requestBodies[requestID]
	request := h.requests[requestID]
	h.mu.Unlock()

	if event.IsLast && request != nil {
		requestWithBody := request.WithBody(body)
		decision := callCapabilityV2(false, func() *warden.Decision { return h.agent.OnRequestBody(ctx, requestWithBody) })
		return decision.Build(), nil
	}

	return warden.Allow().NeedsMoreData().Build(), nil
}

func (h *AgentHandlerV2) handleLegacyResponseHeaders(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	jsonBytes, _ := json.Marshal(payload)
	var event warden.ResponseHeadersEvent
	if err := json.Unmarshal(jsonBytes, &event); err != nil {
		return warden.Allow().Build(), nil
	}

	requestID := hashString(event.CorrelationID)

	h.mu.RLock()
	request := h.requests[requestID]
	h.mu.RUnlock()

	if request == nil {
		return warden.Allow().Build(), nil
	}

	response := warden.NewResponse(&event, nil)

	h.mu.Lock()
	h.responseEvents[requestID] = &V2ResponseHeaders{
		RequestID:  requestID,
		StatusCode: uint16(event.Status),
		Headers:    event.Headers,
	}
	h.responseBodies[requestID] = []byte{}
	h.mu.Unlock()

	decision := callCapabilityV2(true, func() *warden.Decision { return h.agent.OnResponse(ctx, request, response) })
	return decision.Build(), nil
}

func (h *AgentHandlerV2) handleLegacyResponseBodyChunk(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	jsonBytes, _ := json.Marshal(payload)
	var event warden.ResponseBodyChunkEvent
	if err := json.Unmarshal(jsonBytes, &event); err != nil {
		return warden.Allow().Build(), nil
	}

	requestID := hashString(event.CorrelationID)

	h.mu.RLock()
	responseEvent := h.responseEvents[requestID]
	h.mu.RUnlock()

	if responseEvent == nil {
		return warden.Allow().Build(), nil
	}

	data, _ := event.DecodedData()

	h.mu.Lock()
	h.responseBodies[requestID] = append(h.responseBodies[requestID], data...)
	request := h.requests[requestID]
	h.mu.Unlock()

	if request != nil {
		wardenEvent := &warden.ResponseHeadersEvent{
			CorrelationID: request.CorrelationID(),
			Status:        int(responseEvent.StatusCode),
			Headers:       responseEvent.Headers,
		}
		response := warden.NewResponse(wardenEvent, data)
		decision := callCapabilityV2(true, func() *warden.Decision { return h.agent.OnResponseBody(ctx, request, response) })
		return decision.Build(), nil
	}

	return warden.Allow().NeedsMoreData().Build(), nil
}

func (h *AgentHandlerV2) handleLegacyRequestComplete(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	jsonBytes, _ := json.Marshal(payload)
	var event warden.RequestCompleteEvent
	if err := json.Unmarshal(jsonBytes, &event); err != nil {
		return map[string]interface{}{"success": true}, nil
	}

	requestID := hashString(event.CorrelationID)

	h.mu.Lock()
	request := h.requests[requestID]
	delete(h.requests, requestID)
	delete(h.requestBodies, requestID)
	delete(h.responseBodies, requestID)
	delete(h.responseEvents, requestID)
	h.mu.Unlock()

	if request != nil {
		h.agent.OnRequestComplete(ctx, request, event.Status, event.DurationMS)
	}

	return map[string]interface{}{"success": true}, nil
}

// hashString creates a simple uint64 hash from a string.
func hashString(s string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint64(s[i])
	}
	return h
}
