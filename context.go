package warden

import "sync"

// RequestContext is the accumulated per-request state C3 owns: the
// original request headers view, body bytes appended in arrival order, and
// the last-seen response headers (nil until set). It is created on the
// first request_headers event for a key and destroyed only on a terminal
// event (request_complete, cancel_request, cancel_all, or connection
// teardown) — never on a capability error.
type RequestContext struct {
	Request        *Request
	RequestBody    []byte
	ResponseEvent  *ResponseHeadersEvent
	ResponseBody   []byte
}

// RequestCache maps RequestKey (the v1 correlation id string) to
// RequestContext. The dispatcher guarantees single-writer-per-key; readers
// may run concurrently with writers for other keys under the RWMutex.
type RequestCache struct {
	mu    sync.RWMutex
	items map[string]*RequestContext
}

// NewRequestCache creates an empty cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{items: make(map[string]*RequestContext)}
}

// PutOnHeaders creates (or replaces) the context for key when request
// headers arrive.
func (c *RequestCache) PutOnHeaders(key string, request *Request) *RequestContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := &RequestContext{Request: request}
	c.items[key] = ctx
	return ctx
}

// Get returns the context for key, or nil if no context is cached (either
// because headers never arrived or the context was already removed).
func (c *RequestCache) Get(key string) *RequestContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[key]
}

// AppendBody appends a request-body chunk to the cached context's body, in
// arrival order, and returns the accumulated bytes. Returns nil if there is
// no context for key.
func (c *RequestCache) AppendBody(key string, chunk []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.items[key]
	if !ok {
		return nil
	}
	ctx.RequestBody = append(ctx.RequestBody, chunk...)
	return ctx.RequestBody
}

// SetResponseHeaders records the response-headers snapshot for key. Returns
// false if there is no context for key (the dispatcher must reply per the
// "on missing context" column in that case).
func (c *RequestCache) SetResponseHeaders(key string, event *ResponseHeadersEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.items[key]
	if !ok {
		return false
	}
	ctx.ResponseEvent = event
	ctx.ResponseBody = []byte{}
	return true
}

// AppendResponseBody appends a response-body chunk and returns the
// accumulated bytes, or nil if there is no context, or if response headers
// have not yet been set for this key (invariant 3).
func (c *RequestCache) AppendResponseBody(key string, chunk []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.items[key]
	if !ok || ctx.ResponseEvent == nil {
		return nil, false
	}
	ctx.ResponseBody = append(ctx.ResponseBody, chunk...)
	return ctx.ResponseBody, true
}

// RemoveOnTerminal removes and returns the context for key on a terminal
// event (request_complete, cancel_request). Returns nil if absent.
func (c *RequestCache) RemoveOnTerminal(key string) *RequestContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := c.items[key]
	delete(c.items, key)
	return ctx
}

// Clear removes every cached context, for cancel_all and connection
// teardown, and returns the keys that were present.
func (c *RequestCache) Clear() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	c.items = make(map[string]*RequestContext)
	return keys
}

// Len reports the number of contexts currently cached. Useful for tests
// asserting cancellation brings the active-request count back to baseline.
func (c *RequestCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
