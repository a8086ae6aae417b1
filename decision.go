package warden

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Decision is a fluent builder for agent decisions. Exactly one variant
// (Allow, Block, Redirect, or Challenge) is emitted; if more than one
// variant-setting call occurs, the last one wins.
type Decision struct {
	variant              string
	status               int
	body                 *string
	blockHeaders         map[string]string
	redirectURL          string
	challengeType        string
	challengeParams      map[string]interface{}
	requestHeaders       []HeaderOp
	responseHeaders      []HeaderOp
	routingMetadata      map[string]string
	audit                AuditMetadata
	needsMore            bool
	requestBodyMutation  *BodyMutation
	responseBodyMutation *BodyMutation
}

// Allow creates an allow decision (pass the request through unchanged).
func Allow() *Decision {
	return &Decision{variant: "allow"}
}

// Block creates a block decision with the given status code.
func Block(status int) *Decision {
	return &Decision{variant: "block", status: status}
}

// Deny creates a block decision with status 403.
func Deny() *Decision {
	return Block(403)
}

// Unauthorized creates a block decision with status 401.
func Unauthorized() *Decision {
	return Block(401)
}

// RateLimited creates a block decision with status 429.
func RateLimited() *Decision {
	return Block(429)
}

// Redirect creates a redirect decision.
func Redirect(url string, status int) *Decision {
	return &Decision{variant: "redirect", redirectURL: url, status: status}
}

// RedirectPermanent creates a 301 redirect decision.
func RedirectPermanent(url string) *Decision {
	return Redirect(url, 301)
}

// Challenge creates a challenge decision (e.g. CAPTCHA). In the v2 profile
// this is lowered to Block{403, "Challenge required"} because v2's wire
// schema has no challenge variant.
func Challenge(challengeType string, params map[string]interface{}) *Decision {
	return &Decision{variant: "challenge", challengeType: challengeType, challengeParams: params}
}

// WithBody sets the response body for a Block decision.
func (d *Decision) WithBody(body string) *Decision {
	d.body = &body
	return d
}

// WithBlockHeader adds a header to the block response.
func (d *Decision) WithBlockHeader(name, value string) *Decision {
	if d.blockHeaders == nil {
		d.blockHeaders = map[string]string{}
	}
	d.blockHeaders[name] = value
	return d
}

// WithJSONBody marshals v and sets it as the block body, also setting
// Content-Type: application/json on the block response.
func (d *Decision) WithJSONBody(v interface{}) *Decision {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return d.WithBody(fmt.Sprintf(`{"error":"failed to encode body: %s"}`, err))
	}
	return d.WithBody(string(jsonBytes)).WithBlockHeader("Content-Type", "application/json")
}

// SetRequestHeader sets a header on the upstream request.
func (d *Decision) SetRequestHeader(name, value string) *Decision {
	d.requestHeaders = append(d.requestHeaders, SetHeaderOp(name, value))
	return d
}

// AddRequestHeader adds a header to the upstream request without removing
// any existing value.
func (d *Decision) AddRequestHeader(name, value string) *Decision {
	d.requestHeaders = append(d.requestHeaders, AddHeaderOp(name, value))
	return d
}

// RemoveRequestHeader removes a header from the upstream request.
func (d *Decision) RemoveRequestHeader(name string) *Decision {
	d.requestHeaders = append(d.requestHeaders, RemoveHeaderOp(name))
	return d
}

// SetResponseHeader sets a header on the client response.
func (d *Decision) SetResponseHeader(name, value string) *Decision {
	d.responseHeaders = append(d.responseHeaders, SetHeaderOp(name, value))
	return d
}

// AddResponseHeader adds a header to the client response.
func (d *Decision) AddResponseHeader(name, value string) *Decision {
	d.responseHeaders = append(d.responseHeaders, AddHeaderOp(name, value))
	return d
}

// RemoveResponseHeader removes a header from the client response.
func (d *Decision) RemoveResponseHeader(name string) *Decision {
	d.responseHeaders = append(d.responseHeaders, RemoveHeaderOp(name))
	return d
}

// WithRoutingMetadata attaches routing metadata to the decision.
func (d *Decision) WithRoutingMetadata(key, value string) *Decision {
	if d.routingMetadata == nil {
		d.routingMetadata = map[string]string{}
	}
	d.routingMetadata[key] = value
	return d
}

// WithTag adds a single audit tag.
func (d *Decision) WithTag(tag string) *Decision {
	d.audit.Tags = append(d.audit.Tags, tag)
	return d
}

// WithTags adds multiple audit tags.
func (d *Decision) WithTags(tags ...string) *Decision {
	d.audit.Tags = append(d.audit.Tags, tags...)
	return d
}

// WithRuleID adds a rule ID to the audit record.
func (d *Decision) WithRuleID(ruleID string) *Decision {
	d.audit.RuleIDs = append(d.audit.RuleIDs, ruleID)
	return d
}

// WithConfidence sets the audit confidence score, clamped to [0.0, 1.0]
// before it is ever emitted on the wire.
func (d *Decision) WithConfidence(confidence float64) *Decision {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	d.audit.Confidence = &confidence
	return d
}

// WithReasonCode adds a reason code to the audit record.
func (d *Decision) WithReasonCode(code string) *Decision {
	d.audit.ReasonCodes = append(d.audit.ReasonCodes, code)
	return d
}

// WithMetadata adds a custom audit key/value pair.
func (d *Decision) WithMetadata(key string, value interface{}) *Decision {
	if d.audit.Custom == nil {
		d.audit.Custom = map[string]interface{}{}
	}
	d.audit.Custom[key] = value
	return d
}

// NeedsMoreData indicates the agent needs additional body chunks before it
// can render a final decision.
func (d *Decision) NeedsMoreData() *Decision {
	d.needsMore = true
	return d
}

// WithRequestBodyMutation records a mutation for the given request body
// chunk. data == nil means pass-through; an empty (non-nil) slice means
// drop; any other slice replaces the chunk.
func (d *Decision) WithRequestBodyMutation(data []byte, chunkIndex int) *Decision {
	d.requestBodyMutation = &BodyMutation{ChunkIndex: chunkIndex, Data: encodeMutation(data)}
	return d
}

// WithResponseBodyMutation records a mutation for the given response body
// chunk, with the same data semantics as WithRequestBodyMutation.
func (d *Decision) WithResponseBodyMutation(data []byte, chunkIndex int) *Decision {
	d.responseBodyMutation = &BodyMutation{ChunkIndex: chunkIndex, Data: encodeMutation(data)}
	return d
}

func encodeMutation(data []byte) *string {
	if data == nil {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return &encoded
}

// challengeLoweredBody is the block body substituted for a Challenge
// decision on the v2 profile, whose wire schema has no challenge variant.
const challengeLoweredBody = "Challenge required"

// BuildV2 renders the accumulated state for the v2 profile, lowering a
// Challenge variant to Block{403, "Challenge required"} per the v2 wire
// schema's lack of a challenge decision type. All other variants render
// identically to Build.
func (d *Decision) BuildV2() AgentResponse {
	if d.variant == "challenge" {
		lowered := *d
		lowered.variant = "block"
		lowered.status = 403
		body := challengeLoweredBody
		lowered.body = &body
		lowered.audit.Tags = append(append([]string{}, d.audit.Tags...), "challenge_lowered")
		return lowered.Build()
	}
	return d.Build()
}

// Build renders the accumulated state into the v1 wire AgentResponse.
func (d *Decision) Build() AgentResponse {
	resp := AgentResponse{
		Version:              ProtocolVersion,
		Decision:             d.buildPayload(),
		RequestHeaders:       d.requestHeaders,
		ResponseHeaders:      d.responseHeaders,
		RoutingMetadata:      d.routingMetadata,
		NeedsMore:            d.needsMore,
		RequestBodyMutation:  d.requestBodyMutation,
		ResponseBodyMutation: d.responseBodyMutation,
	}
	if !d.audit.IsEmpty() {
		audit := d.audit
		resp.Audit = &audit
	}
	return resp
}

func (d *Decision) buildPayload() *DecisionPayload {
	switch d.variant {
	case "block":
		status := d.status
		if status == 0 {
			status = 403
		}
		return &DecisionPayload{Type: "block", Status: status, Body: d.body, Headers: d.blockHeaders}
	case "redirect":
		status := d.status
		if status == 0 {
			status = 302
		}
		url := d.redirectURL
		if url == "" {
			url = "/"
		}
		return &DecisionPayload{Type: "redirect", URL: url, Status: status}
	case "challenge":
		return &DecisionPayload{Type: "challenge", ChallengeType: d.challengeType, Params: d.challengeParams}
	default:
		return &DecisionPayload{Type: "allow"}
	}
}

// Decisions gathers shorthand constructors for common decisions.
var Decisions = struct {
	Allow        func() *Decision
	Deny         func() *Decision
	Unauthorized func() *Decision
	RateLimited  func() *Decision
	Block        func(status int, body string) *Decision
	Redirect     func(url string, permanent bool) *Decision
}{
	Allow:        Allow,
	Deny:         Deny,
	Unauthorized: Unauthorized,
	RateLimited:  RateLimited,
	Block: func(status int, body string) *Decision {
		d := Block(status)
		if body != "" {
			d = d.WithBody(body)
		}
		return d
	},
	Redirect: func(url string, permanent bool) *Decision {
		if permanent {
			return RedirectPermanent(url)
		}
		return Redirect(url, 302)
	},
}
