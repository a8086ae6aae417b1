package warden

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestProtocolVersion(t *testing.T) {
	if ProtocolVersion != 1 {
		t.Errorf("expected ProtocolVersion 1, got %d", ProtocolVersion)
	}
}

func TestMaxMessageSize(t *testing.T) {
	expected := 10 * 1024 * 1024
	if MaxMessageSize != expected {
		t.Errorf("expected MaxMessageSize %d, got %d", expected, MaxMessageSize)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeRequestHeaders, "request_headers"},
		{EventTypeRequestBodyChunk, "request_body_chunk"},
		{EventTypeResponseHeaders, "response_headers"},
		{EventTypeResponseBodyChunk, "response_body_chunk"},
		{EventTypeRequestComplete, "request_complete"},
		{EventTypeWebSocketFrame, "websocket_frame"},
		{EventTypeConfigure, "configure"},
	}

	for _, tt := range tests {
		if string(tt.eventType) != tt.expected {
			t.Errorf("expected event type %s, got %s", tt.expected, tt.eventType)
		}
	}
}

func TestDecisionSerialization_Allow(t *testing.T) {
	response := Allow().Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["type"] != "allow" {
		t.Errorf("expected decision type 'allow', got %v", decision["type"])
	}
}

func TestDecisionSerialization_Block(t *testing.T) {
	response := Block(403).Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["type"] != "block" {
		t.Errorf("expected decision type 'block', got %v", decision["type"])
	}
	if decision["status"].(float64) != 403 {
		t.Errorf("expected status 403, got %v", decision["status"])
	}
}

func TestDecisionSerialization_BlockWithBody(t *testing.T) {
	response := Block(403).WithBody("Forbidden").Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["status"].(float64) != 403 {
		t.Errorf("expected status 403, got %v", decision["status"])
	}
	if decision["body"] != "Forbidden" {
		t.Errorf("expected body 'Forbidden', got %v", decision["body"])
	}
}

func TestDecisionSerialization_BlockWithHeaders(t *testing.T) {
	response := Block(403).
		WithBody("Forbidden").
		WithBlockHeader("X-Reason", "policy").
		Build()

	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	headers := decision["headers"].(map[string]interface{})

	if headers["X-Reason"] != "policy" {
		t.Errorf("expected X-Reason 'policy', got %v", headers["X-Reason"])
	}
}

func TestDecisionSerialization_Redirect(t *testing.T) {
	response := Redirect("/login", 302).Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["url"] != "/login" {
		t.Errorf("expected url '/login', got %v", decision["url"])
	}
	if decision["status"].(float64) != 302 {
		t.Errorf("expected status 302, got %v", decision["status"])
	}
}

func TestDecisionSerialization_Challenge(t *testing.T) {
	response := Challenge("captcha", map[string]interface{}{"site_key": "abc123"}).Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["challenge_type"] != "captcha" {
		t.Errorf("expected challenge_type 'captcha', got %v", decision["challenge_type"])
	}
	params := decision["params"].(map[string]interface{})
	if params["site_key"] != "abc123" {
		t.Errorf("expected site_key 'abc123', got %v", params)
	}
}

func TestHeaderOpSerialization_Set(t *testing.T) {
	op := SetHeaderOp("X-Custom", "value")
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("failed to marshal HeaderOp: %v", err)
	}

	expected := `{"set":{"name":"X-Custom","value":"value"}}`
	if string(data) != expected {
		t.Errorf("expected %s, got %s", expected, string(data))
	}
}

func TestHeaderOpSerialization_Remove(t *testing.T) {
	op := RemoveHeaderOp("X-Custom")
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("failed to marshal HeaderOp: %v", err)
	}

	expected := `{"remove":{"name":"X-Custom"}}`
	if string(data) != expected {
		t.Errorf("expected %s, got %s", expected, string(data))
	}
}

func TestAgentResponseSerialization_FullStructure(t *testing.T) {
	response := Allow().Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	requiredFields := []string{"version", "decision"}
	for _, field := range requiredFields {
		if _, ok := parsed[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

func TestAgentResponseSerialization_Version(t *testing.T) {
	response := Allow().Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if parsed["version"].(float64) != float64(ProtocolVersion) {
		t.Errorf("expected version %d, got %v", ProtocolVersion, parsed["version"])
	}
}

func TestAgentResponseSerialization_WithHeaderOps(t *testing.T) {
	response := Allow().
		AddRequestHeader("X-Forwarded-By", "warden").
		RemoveRequestHeader("X-Internal").
		AddResponseHeader("X-Cache", "HIT").
		Build()

	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	requestHeaders := parsed["request_headers"].([]interface{})
	if len(requestHeaders) != 2 {
		t.Fatalf("expected 2 request headers, got %d", len(requestHeaders))
	}

	h1 := requestHeaders[0].(map[string]interface{})
	addOp := h1["add"].(map[string]interface{})
	if addOp["name"] != "X-Forwarded-By" {
		t.Errorf("expected name 'X-Forwarded-By', got %v", addOp["name"])
	}
	if addOp["value"] != "warden" {
		t.Errorf("expected value 'warden', got %v", addOp["value"])
	}

	h2 := requestHeaders[1].(map[string]interface{})
	removeOp := h2["remove"].(map[string]interface{})
	if removeOp["name"] != "X-Internal" {
		t.Errorf("expected name 'X-Internal', got %v", removeOp["name"])
	}
}

func TestAgentResponseSerialization_WithAuditMetadata(t *testing.T) {
	response := Deny().
		WithTag("security").
		WithTags("blocked", "waf").
		WithRuleID("RULE-001").
		WithConfidence(0.95).
		WithReasonCode("SQL_INJECTION").
		WithMetadata("matched_pattern", "SELECT.*FROM").
		Build()

	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	audit := parsed["audit"].(map[string]interface{})

	tags := audit["tags"].([]interface{})
	expectedTags := []string{"security", "blocked", "waf"}
	for i, tag := range expectedTags {
		if tags[i] != tag {
			t.Errorf("expected tag %s at index %d, got %v", tag, i, tags[i])
		}
	}

	ruleIDs := audit["rule_ids"].([]interface{})
	if ruleIDs[0] != "RULE-001" {
		t.Errorf("expected rule_id 'RULE-001', got %v", ruleIDs[0])
	}

	if audit["confidence"].(float64) != 0.95 {
		t.Errorf("expected confidence 0.95, got %v", audit["confidence"])
	}

	reasonCodes := audit["reason_codes"].([]interface{})
	if reasonCodes[0] != "SQL_INJECTION" {
		t.Errorf("expected reason_code 'SQL_INJECTION', got %v", reasonCodes[0])
	}

	custom := audit["custom"].(map[string]interface{})
	if custom["matched_pattern"] != "SELECT.*FROM" {
		t.Errorf("expected matched_pattern 'SELECT.*FROM', got %v", custom["matched_pattern"])
	}
}

func TestAuditMetadata_OmittedWhenEmpty(t *testing.T) {
	response := Allow().Build()
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if _, ok := parsed["audit"]; ok {
		t.Errorf("expected audit to be omitted entirely when empty, got %v", parsed["audit"])
	}
}

func TestEventDeserialization_RequestHeaders(t *testing.T) {
	payloadJSON := `{
		"metadata": {
			"correlation_id": "req-123",
			"request_id": "internal-456",
			"client_ip": "192.168.1.1",
			"client_port": 54321,
			"server_name": "api.example.com",
			"protocol": "HTTP/2",
			"tls_version": "TLSv1.3",
			"tls_cipher": "TLS_AES_256_GCM_SHA384",
			"route_id": "api-route",
			"upstream_id": "backend-pool",
			"timestamp": "2024-01-15T10:30:00Z",
			"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
		},
		"method": "POST",
		"uri": "/api/users?include=profile",
		"headers": {
			"content-type": ["application/json"],
			"accept": ["application/json", "text/plain"],
			"x-request-id": ["abc123"]
		}
	}`

	var event RequestHeadersEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse RequestHeadersEvent: %v", err)
	}

	if event.Metadata.CorrelationID != "req-123" {
		t.Errorf("expected correlation_id 'req-123', got %s", event.Metadata.CorrelationID)
	}
	if event.Metadata.ClientIP != "192.168.1.1" {
		t.Errorf("expected client_ip '192.168.1.1', got %s", event.Metadata.ClientIP)
	}
	if event.Metadata.ClientPort != 54321 {
		t.Errorf("expected client_port 54321, got %d", event.Metadata.ClientPort)
	}
	if event.Metadata.TLSVersion == nil || *event.Metadata.TLSVersion != "TLSv1.3" {
		t.Errorf("expected tls_version 'TLSv1.3', got %v", event.Metadata.TLSVersion)
	}
	if event.Method != "POST" {
		t.Errorf("expected method 'POST', got %s", event.Method)
	}
	if event.URI != "/api/users?include=profile" {
		t.Errorf("expected uri '/api/users?include=profile', got %s", event.URI)
	}
	if event.Headers["content-type"][0] != "application/json" {
		t.Errorf("expected content-type 'application/json', got %v", event.Headers["content-type"])
	}
	if len(event.Headers["accept"]) != 2 {
		t.Errorf("expected 2 accept values, got %d", len(event.Headers["accept"]))
	}
}

func TestEventDeserialization_RequestBodyChunk(t *testing.T) {
	bodyData := []byte(`{"name": "test"}`)
	encodedData := base64.StdEncoding.EncodeToString(bodyData)

	payloadJSON := `{
		"correlation_id": "req-123",
		"data": "` + encodedData + `",
		"is_last": true,
		"total_size": 16,
		"chunk_index": 0,
		"bytes_received": 16
	}`

	var event RequestBodyChunkEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse RequestBodyChunkEvent: %v", err)
	}

	if event.CorrelationID != "req-123" {
		t.Errorf("expected correlation_id 'req-123', got %s", event.CorrelationID)
	}

	decoded, err := event.DecodedData()
	if err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if string(decoded) != `{"name": "test"}` {
		t.Errorf("expected decoded data '{\"name\": \"test\"}', got %s", string(decoded))
	}

	if !event.IsLast {
		t.Error("expected is_last to be true")
	}
	if event.ChunkIndex != 0 {
		t.Errorf("expected chunk_index 0, got %d", event.ChunkIndex)
	}
}

func TestEventDeserialization_ResponseHeaders(t *testing.T) {
	payloadJSON := `{
		"correlation_id": "req-123",
		"status": 200,
		"headers": {
			"content-type": ["application/json"],
			"cache-control": ["max-age=3600"]
		}
	}`

	var event ResponseHeadersEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse ResponseHeadersEvent: %v", err)
	}

	if event.CorrelationID != "req-123" {
		t.Errorf("expected correlation_id 'req-123', got %s", event.CorrelationID)
	}
	if event.Status != 200 {
		t.Errorf("expected status 200, got %d", event.Status)
	}
	if event.Headers["content-type"][0] != "application/json" {
		t.Errorf("expected content-type 'application/json', got %v", event.Headers["content-type"])
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	response := Block(403).
		WithBody("Access denied").
		WithTag("security").
		AddRequestHeader("X-Blocked", "true").
		Build()

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if parsed["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", parsed["version"])
	}

	decision := parsed["decision"].(map[string]interface{})
	if decision["status"].(float64) != 403 {
		t.Errorf("expected status 403, got %v", decision["status"])
	}
	if decision["body"] != "Access denied" {
		t.Errorf("expected body 'Access denied', got %v", decision["body"])
	}

	audit := parsed["audit"].(map[string]interface{})
	tags := audit["tags"].([]interface{})
	if tags[0] != "security" {
		t.Errorf("expected tag 'security', got %v", tags[0])
	}

	requestHeaders := parsed["request_headers"].([]interface{})
	h1 := requestHeaders[0].(map[string]interface{})
	addOp := h1["add"].(map[string]interface{})
	if addOp["name"] != "X-Blocked" {
		t.Errorf("expected header name 'X-Blocked', got %v", addOp["name"])
	}
}

func TestBodyMutationFormat(t *testing.T) {
	data := []byte("modified content")
	response := Allow().WithRequestBodyMutation(data, 0).Build()

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	mutation := parsed["request_body_mutation"].(map[string]interface{})
	if mutation["chunk_index"].(float64) != 0 {
		t.Errorf("expected chunk_index 0, got %v", mutation["chunk_index"])
	}

	expectedData := base64.StdEncoding.EncodeToString(data)
	if mutation["data"] != expectedData {
		t.Errorf("expected data '%s', got %v", expectedData, mutation["data"])
	}
}

func TestBodyMutationFormat_Absent(t *testing.T) {
	response := Allow().Build()

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if parsed["request_body_mutation"] != nil {
		t.Errorf("expected request_body_mutation to be nil, got %v", parsed["request_body_mutation"])
	}
}

func TestBodyMutationFormat_ExplicitDrop(t *testing.T) {
	response := Allow().WithRequestBodyMutation([]byte{}, 2).Build()

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	mutation := parsed["request_body_mutation"].(map[string]interface{})
	if mutation["data"] != "" {
		t.Errorf("expected empty string data for explicit drop, got %v", mutation["data"])
	}
}

func TestReadWriteMessage(t *testing.T) {
	message := map[string]interface{}{
		"version":    1,
		"event_type": "request_headers",
		"payload": map[string]interface{}{
			"method": "GET",
			"uri":    "/test",
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, message); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	reader := bytes.NewReader(buf.Bytes())
	read, err := ReadMessage(reader)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if read["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", read["version"])
	}
	if read["event_type"] != "request_headers" {
		t.Errorf("expected event_type 'request_headers', got %v", read["event_type"])
	}

	payload := read["payload"].(map[string]interface{})
	if payload["method"] != "GET" {
		t.Errorf("expected method 'GET', got %v", payload["method"])
	}
}

func TestReadMessage_EOF(t *testing.T) {
	reader := bytes.NewReader([]byte{})
	read, err := ReadMessage(reader)

	if err != nil {
		t.Errorf("expected nil error on EOF, got %v", err)
	}
	if read != nil {
		t.Errorf("expected nil message on EOF, got %v", read)
	}
}

func TestReadMessage_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1))

	reader := bytes.NewReader(buf.Bytes())
	_, err := ReadMessage(reader)

	if err == nil {
		t.Error("expected error for message exceeding max size")
	}
}

func TestReadMessage_ZeroLength(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))

	reader := bytes.NewReader(buf.Bytes())
	_, err := ReadMessage(reader)

	if err == nil {
		t.Error("expected error for zero-length message")
	}
}

func TestWriteMessage_TooLarge(t *testing.T) {
	largeData := make([]byte, MaxMessageSize+1)
	message := map[string]interface{}{
		"data": string(largeData),
	}

	var buf bytes.Buffer
	err := WriteMessage(&buf, message)

	if err == nil {
		t.Error("expected error for message exceeding max size")
	}
}

func TestNewAllowResponse(t *testing.T) {
	response := NewAllowResponse()

	if response.Version != ProtocolVersion {
		t.Errorf("expected version %d, got %d", ProtocolVersion, response.Version)
	}
	if response.Decision.Type != "allow" {
		t.Errorf("expected decision type 'allow', got %v", response.Decision.Type)
	}
	if len(response.RequestHeaders) != 0 {
		t.Errorf("expected empty request headers, got %d", len(response.RequestHeaders))
	}
	if len(response.ResponseHeaders) != 0 {
		t.Errorf("expected empty response headers, got %d", len(response.ResponseHeaders))
	}
	if len(response.RoutingMetadata) != 0 {
		t.Errorf("expected empty routing metadata, got %d", len(response.RoutingMetadata))
	}
}

func TestEventDeserialization_ResponseBodyChunk(t *testing.T) {
	bodyData := []byte(`<html><body>Hello</body></html>`)
	encodedData := base64.StdEncoding.EncodeToString(bodyData)

	payloadJSON := `{
		"correlation_id": "req-123",
		"data": "` + encodedData + `",
		"is_last": true,
		"total_size": 31,
		"chunk_index": 0,
		"bytes_sent": 31
	}`

	var event ResponseBodyChunkEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse ResponseBodyChunkEvent: %v", err)
	}

	if event.CorrelationID != "req-123" {
		t.Errorf("expected correlation_id 'req-123', got %s", event.CorrelationID)
	}

	decoded, err := event.DecodedData()
	if err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if string(decoded) != `<html><body>Hello</body></html>` {
		t.Errorf("unexpected decoded data: %s", string(decoded))
	}
	if event.BytesSent != 31 {
		t.Errorf("expected bytes_sent 31, got %d", event.BytesSent)
	}
}

func TestEventDeserialization_WebSocketFrame(t *testing.T) {
	frameData := []byte("Hello WebSocket")
	encodedData := base64.StdEncoding.EncodeToString(frameData)

	payloadJSON := `{
		"correlation_id": "ws-123",
		"opcode": 1,
		"data": "` + encodedData + `",
		"direction": "client_to_server",
		"frame_index": 0
	}`

	var event WebSocketFrameEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse WebSocketFrameEvent: %v", err)
	}

	if event.CorrelationID != "ws-123" {
		t.Errorf("expected correlation_id 'ws-123', got %s", event.CorrelationID)
	}
	if event.Opcode != 1 {
		t.Errorf("expected opcode 1, got %d", event.Opcode)
	}
	if event.Direction != "client_to_server" {
		t.Errorf("expected direction 'client_to_server', got %s", event.Direction)
	}

	decoded, err := event.DecodedData()
	if err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if string(decoded) != "Hello WebSocket" {
		t.Errorf("unexpected decoded data: %s", string(decoded))
	}
}

func TestEventDeserialization_Configure(t *testing.T) {
	payloadJSON := `{
		"agent_id": "rate-limiter-1",
		"config": {
			"enabled": true,
			"rate_limit": 100,
			"blocked_paths": ["/admin", "/internal"]
		}
	}`

	var event ConfigureEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse ConfigureEvent: %v", err)
	}

	if event.AgentID != "rate-limiter-1" {
		t.Errorf("expected agent_id 'rate-limiter-1', got %s", event.AgentID)
	}
	if event.Config["enabled"] != true {
		t.Errorf("expected enabled true, got %v", event.Config["enabled"])
	}
	if event.Config["rate_limit"].(float64) != 100 {
		t.Errorf("expected rate_limit 100, got %v", event.Config["rate_limit"])
	}
}

func TestEventDeserialization_RequestComplete(t *testing.T) {
	payloadJSON := `{
		"correlation_id": "req-123",
		"status": 200,
		"duration_ms": 150,
		"request_body_size": 1024,
		"response_body_size": 2048,
		"upstream_attempts": 1
	}`

	var event RequestCompleteEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		t.Fatalf("failed to parse RequestCompleteEvent: %v", err)
	}

	if event.CorrelationID != "req-123" {
		t.Errorf("expected correlation_id 'req-123', got %s", event.CorrelationID)
	}
	if event.Status != 200 {
		t.Errorf("expected status 200, got %d", event.Status)
	}
	if event.DurationMS != 150 {
		t.Errorf("expected duration_ms 150, got %d", event.DurationMS)
	}
	if event.RequestBodySize != 1024 {
		t.Errorf("expected request_body_size 1024, got %d", event.RequestBodySize)
	}
	if event.ResponseBodySize != 2048 {
		t.Errorf("expected response_body_size 2048, got %d", event.ResponseBodySize)
	}
	if event.UpstreamAttempts != 1 {
		t.Errorf("expected upstream_attempts 1, got %d", event.UpstreamAttempts)
	}
}

func TestAuditMetadata_IsEmpty(t *testing.T) {
	empty := AuditMetadata{}
	if !empty.IsEmpty() {
		t.Error("expected zero-value AuditMetadata to be empty")
	}

	confidence := 0.5
	nonEmpty := AuditMetadata{Confidence: &confidence}
	if nonEmpty.IsEmpty() {
		t.Error("expected AuditMetadata with confidence set to be non-empty")
	}
}
