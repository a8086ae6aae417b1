package warden

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// AgentHandler is the v1 event dispatcher (C4): it resolves the RequestKey
// for an inbound event, drives the request cache (C3), invokes the matching
// capability method, and renders the capability's Decision into the v1 wire
// AgentResponse.
type AgentHandler struct {
	agent          Agent
	cache          *RequestCache
	requestTimeout time.Duration
}

// NewAgentHandler creates a dispatcher for the given agent.
func NewAgentHandler(agent Agent) *AgentHandler {
	return &AgentHandler{agent: agent, cache: NewRequestCache()}
}

// SetRequestTimeout bounds every capability call issued by this dispatcher.
// Zero (the default) disables the bound. On expiry the dispatcher replies
// Block{500, "Agent timeout"} to request-side events and Allow to
// response-side events, and invokes OnRequestCancelled — it cannot
// forcibly interrupt the capability goroutine (§5), only abandon it.
func (h *AgentHandler) SetRequestTimeout(d time.Duration) {
	h.requestTimeout = d
}

// invoke runs fn, optionally bounded by requestTimeout. A capability panic
// is always recovered via callCapability; a timeout additionally triggers
// OnRequestCancelled for key, as if the peer had cancelled the request.
func (h *AgentHandler) invoke(ctx context.Context, responseSide bool, key string, fn func() *Decision) *Decision {
	if h.requestTimeout <= 0 {
		return callCapability(responseSide, fn)
	}

	done := make(chan *Decision, 1)
	go func() {
		done <- callCapability(responseSide, fn)
	}()

	select {
	case decision := <-done:
		return decision
	case <-time.After(h.requestTimeout):
		log.Warn().Str("correlation_id", key).Msg("capability call exceeded request_timeout")
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("OnRequestCancelled panicked")
				}
			}()
			h.agent.OnRequestCancelled(ctx, key, "timeout")
		}()
		if responseSide {
			return Allow()
		}
		return Block(500).WithBody("Agent timeout")
	}
}

// HandleEvent decodes one AgentRequest envelope and dispatches it.
func (h *AgentHandler) HandleEvent(ctx context.Context, event map[string]interface{}) (interface{}, error) {
	eventType, _ := event["event_type"].(string)
	payload, _ := event["payload"].(map[string]interface{})

	switch EventType(eventType) {
	case EventTypeConfigure:
		return h.handleConfigure(ctx, payload), nil
	case EventTypeRequestHeaders:
		return h.handleRequestHeaders(ctx, payload), nil
	case EventTypeRequestBodyChunk:
		return h.handleRequestBodyChunk(ctx, payload), nil
	case EventTypeResponseHeaders:
		return h.handleResponseHeaders(ctx, payload), nil
	case EventTypeResponseBodyChunk:
		return h.handleResponseBodyChunk(ctx, payload), nil
	case EventTypeRequestComplete:
		return h.handleRequestComplete(ctx, payload), nil
	case EventTypeWebSocketFrame:
		return Allow().Build(), nil
	default:
		log.Warn().Str("event_type", eventType).Msg("unknown event type")
		return Allow().Build(), nil
	}
}

// callCapability invokes fn and recovers from any panic, turning it into a
// Block{500} (request-side) or Allow (response-side) reply per §4.4/§7.2.
// Context is never removed as a side effect of a capability error.
func callCapability(responseSide bool, fn func() *Decision) (decision *Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("capability call panicked")
			if responseSide {
				decision = Allow()
			} else {
				decision = Block(500).WithBody(fmt.Sprintf("Agent error: %v", r))
			}
		}
	}()
	return fn()
}

func (h *AgentHandler) handleConfigure(ctx context.Context, payload map[string]interface{}) interface{} {
	agentID, _ := payload["agent_id"].(string)
	config, _ := payload["config"].(map[string]interface{})

	var configErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("OnConfigure panicked")
				configErr = fmt.Errorf("agent panic: %v", r)
			}
		}()
		configErr = h.agent.OnConfigure(ctx, config)
	}()

	if configErr != nil {
		log.Error().Err(configErr).Msg("configuration failed")
		return map[string]interface{}{"success": false, "error": configErr.Error()}
	}

	log.Info().Str("agent_id", agentID).Msg("agent configured")
	return map[string]interface{}{"success": true}
}

func decodeEvent[T any](payload map[string]interface{}, out *T) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, out)
}

func (h *AgentHandler) handleRequestHeaders(ctx context.Context, payload map[string]interface{}) interface{} {
	var event RequestHeadersEvent
	if err := decodeEvent(payload, &event); err != nil {
		log.Error().Err(err).Msg("failed to parse request_headers event")
		return Allow().Build()
	}

	request := NewRequest(&event, nil)
	h.cache.PutOnHeaders(event.Metadata.CorrelationID, request)

	decision := h.invoke(ctx, false, event.Metadata.CorrelationID, func() *Decision { return h.agent.OnRequest(ctx, request) })
	return decision.Build()
}

func (h *AgentHandler) handleRequestBodyChunk(ctx context.Context, payload map[string]interface{}) interface{} {
	var event RequestBodyChunkEvent
	if err := decodeEvent(payload, &event); err != nil {
		log.Error().Err(err).Msg("failed to parse request_body_chunk event")
		return Allow().Build()
	}

	data, err := event.DecodedData()
	if err != nil {
		log.Error().Err(err).Msg("invalid base64 in request body chunk")
		return Allow().Build()
	}

	key := event.CorrelationID
	body := h.cache.AppendBody(key, data)
	if body == nil {
		log.Warn().Str("correlation_id", key).Msg("request_body_chunk with no cached context")
		return Allow().Build()
	}

	if !event.IsLast {
		return Allow().NeedsMoreData().Build()
	}

	ctxState := h.cache.Get(key)
	if ctxState == nil || ctxState.Request == nil {
		return Allow().Build()
	}
	requestWithBody := ctxState.Request.WithBody(body)
	decision := h.invoke(ctx, false, key, func() *Decision { return h.agent.OnRequestBody(ctx, requestWithBody) })
	return decision.Build()
}

func (h *AgentHandler) handleResponseHeaders(ctx context.Context, payload map[string]interface{}) interface{} {
	var event ResponseHeadersEvent
	if err := decodeEvent(payload, &event); err != nil {
		log.Error().Err(err).Msg("failed to parse response_headers event")
		return Allow().Build()
	}

	key := event.CorrelationID
	ctxState := h.cache.Get(key)
	if ctxState == nil || ctxState.Request == nil {
		log.Warn().Str("correlation_id", key).Msg("response_headers with no cached request")
		return Allow().Build()
	}

	h.cache.SetResponseHeaders(key, &event)
	response := NewResponse(&event, nil)

	decision := h.invoke(ctx, true, key, func() *Decision { return h.agent.OnResponse(ctx, ctxState.Request, response) })
	return decision.Build()
}

func (h *AgentHandler) handleResponseBodyChunk(ctx context.Context, payload map[string]interface{}) interface{} {
	var event ResponseBodyChunkEvent
	if err := decodeEvent(payload, &event); err != nil {
		log.Error().Err(err).Msg("failed to parse response_body_chunk event")
		return Allow().Build()
	}

	data, err := event.DecodedData()
	if err != nil {
		log.Error().Err(err).Msg("invalid base64 in response body chunk")
		return Allow().Build()
	}

	key := event.CorrelationID
	_, ok := h.cache.AppendResponseBody(key, data)
	if !ok {
		// Invariant 3: response body before response headers (or before any
		// context exists at all) is rejected, not synthesized around.
		log.Warn().Str("correlation_id", key).Msg("response_body_chunk before response_headers")
		return Allow().Build()
	}

	ctxState := h.cache.Get(key)
	if ctxState == nil || ctxState.Request == nil || ctxState.ResponseEvent == nil {
		return Allow().Build()
	}

	response := NewResponse(ctxState.ResponseEvent, data)
	decision := h.invoke(ctx, true, key, func() *Decision { return h.agent.OnResponseBody(ctx, ctxState.Request, response) })
	return decision.Build()
}

func (h *AgentHandler) handleRequestComplete(ctx context.Context, payload map[string]interface{}) interface{} {
	var event RequestCompleteEvent
	if err := decodeEvent(payload, &event); err != nil {
		log.Error().Err(err).Msg("failed to parse request_complete event")
		return map[string]interface{}{"success": true}
	}

	ctxState := h.cache.RemoveOnTerminal(event.CorrelationID)
	if ctxState != nil && ctxState.Request != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("OnRequestComplete panicked")
				}
			}()
			h.agent.OnRequestComplete(ctx, ctxState.Request, event.Status, event.DurationMS)
		}()
	}

	return map[string]interface{}{"success": true}
}

// CancelAll clears every cached context on this connection (e.g. on
// connection teardown) and invokes on_all_requests_cancelled.
func (h *AgentHandler) CancelAll(ctx context.Context, reason string) {
	h.cache.Clear()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("OnAllRequestsCancelled panicked")
			}
		}()
		h.agent.OnAllRequestsCancelled(ctx, reason)
	}()
}
