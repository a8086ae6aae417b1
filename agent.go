package warden

import (
	"context"
	"encoding/json"
	"sync"
)

// Agent is the capability interface implemented by inspection logic. The
// dispatcher (C4) invokes these methods; the connection runtime (C6) drives
// the lifecycle callbacks. All methods may block; a single hung call only
// ever stalls its own connection (§5).
//
// Example:
//
//	type MyAgent struct{ warden.BaseAgent }
//
//	func (a *MyAgent) Name() string { return "my-agent" }
//
//	func (a *MyAgent) OnRequest(ctx context.Context, req *warden.Request) *warden.Decision {
//	    if req.PathStartsWith("/blocked") {
//	        return warden.Deny().WithBody("Blocked")
//	    }
//	    return warden.Allow()
//	}
type Agent interface {
	// Name returns the agent name, used for logging and (by default) the
	// handshake's agent_name field.
	Name() string

	// OnConfigure handles one-time configuration delivered by the proxy.
	// Returning an error rejects the configuration.
	OnConfigure(ctx context.Context, config map[string]interface{}) error

	// OnRequest is called when request headers arrive.
	OnRequest(ctx context.Context, request *Request) *Decision

	// OnRequestBody is called with the fully accumulated request body, once
	// the last chunk has arrived.
	OnRequestBody(ctx context.Context, request *Request) *Decision

	// OnResponse is called when upstream response headers arrive.
	OnResponse(ctx context.Context, request *Request, response *Response) *Decision

	// OnResponseBody is called per response body chunk; response carries
	// only the latest chunk, never the accumulated body (§4.4).
	OnResponseBody(ctx context.Context, request *Request, response *Response) *Decision

	// OnRequestComplete is called when request processing finishes
	// normally. Use for logging, metrics, or cleanup.
	OnRequestComplete(ctx context.Context, request *Request, status int, durationMS int)

	// OnRequestCancelled is called when a single request is cancelled.
	OnRequestCancelled(ctx context.Context, key string, reason string)

	// OnAllRequestsCancelled is called when an entire connection's requests
	// are cancelled at once (cancel_all, or connection teardown).
	OnAllRequestsCancelled(ctx context.Context, reason string)

	// OnStreamClosed is called once per connection when its read/write loop
	// exits, with the terminating error (nil on clean EOF).
	OnStreamClosed(ctx context.Context, err error)

	// OnDrain is called once when the runtime enters the draining state.
	OnDrain(ctx context.Context, timeoutMS int)

	// OnShutdown is called once during graceful shutdown, after all
	// in-flight contexts have been cancelled.
	OnShutdown(ctx context.Context)
}

// BaseAgent provides no-op defaults for every Agent method. Embed it to
// implement only the methods your agent actually needs.
//
// Example:
//
//	type MyAgent struct {
//	    warden.BaseAgent
//	}
//
//	func (a *MyAgent) Name() string { return "my-agent" }
type BaseAgent struct{}

// Name returns a default agent name. Override in your agent.
func (a *BaseAgent) Name() string { return "agent" }

// OnConfigure is a no-op default.
func (a *BaseAgent) OnConfigure(ctx context.Context, config map[string]interface{}) error { return nil }

// OnRequest allows by default.
func (a *BaseAgent) OnRequest(ctx context.Context, request *Request) *Decision { return Allow() }

// OnRequestBody allows by default.
func (a *BaseAgent) OnRequestBody(ctx context.Context, request *Request) *Decision { return Allow() }

// OnResponse allows by default.
func (a *BaseAgent) OnResponse(ctx context.Context, request *Request, response *Response) *Decision {
	return Allow()
}

// OnResponseBody allows by default.
func (a *BaseAgent) OnResponseBody(ctx context.Context, request *Request, response *Response) *Decision {
	return Allow()
}

// OnRequestComplete is a no-op default.
func (a *BaseAgent) OnRequestComplete(ctx context.Context, request *Request, status int, durationMS int) {
}

// OnRequestCancelled is a no-op default.
func (a *BaseAgent) OnRequestCancelled(ctx context.Context, key string, reason string) {}

// OnAllRequestsCancelled is a no-op default.
func (a *BaseAgent) OnAllRequestsCancelled(ctx context.Context, reason string) {}

// OnStreamClosed is a no-op default.
func (a *BaseAgent) OnStreamClosed(ctx context.Context, err error) {}

// OnDrain is a no-op default.
func (a *BaseAgent) OnDrain(ctx context.Context, timeoutMS int) {}

// OnShutdown is a no-op default.
func (a *BaseAgent) OnShutdown(ctx context.Context) {}

// ConfigurableAgent is an Agent with typed configuration support.
//
// Example:
//
//	type MyConfig struct {
//	    RateLimit int  `json:"rate_limit"`
//	    Enabled   bool `json:"enabled"`
//	}
//
//	type MyAgent struct {
//	    *warden.ConfigurableAgentBase[MyConfig]
//	}
//
//	func NewMyAgent() *MyAgent {
//	    return &MyAgent{
//	        ConfigurableAgentBase: warden.NewConfigurableAgent(MyConfig{Enabled: true}),
//	    }
//	}
type ConfigurableAgent[T any] interface {
	Agent

	// Config returns the current configuration.
	Config() T

	// SetConfig replaces the current configuration.
	SetConfig(config T)

	// ParseConfig decodes a configuration map into the typed config.
	ParseConfig(configMap map[string]interface{}) (T, error)

	// OnConfigApplied runs after configuration has been parsed and stored.
	OnConfigApplied(ctx context.Context, config T)
}

// ConfigurableAgentBase implements ConfigurableAgent on top of BaseAgent.
type ConfigurableAgentBase[T any] struct {
	BaseAgent
	config T
	mu     sync.RWMutex
}

// NewConfigurableAgent creates a ConfigurableAgentBase with a default config.
func NewConfigurableAgent[T any](defaultConfig T) *ConfigurableAgentBase[T] {
	return &ConfigurableAgentBase[T]{config: defaultConfig}
}

// Config returns the current configuration.
func (a *ConfigurableAgentBase[T]) Config() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// SetConfig replaces the current configuration.
func (a *ConfigurableAgentBase[T]) SetConfig(config T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
}

// ParseConfig decodes a configuration map into T via a JSON round-trip.
func (a *ConfigurableAgentBase[T]) ParseConfig(configMap map[string]interface{}) (T, error) {
	var config T
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return config, err
	}
	err = json.Unmarshal(jsonBytes, &config)
	return config, err
}

// OnConfigApplied is a no-op default; override for post-configuration setup.
func (a *ConfigurableAgentBase[T]) OnConfigApplied(ctx context.Context, config T) {}

// OnConfigure parses, stores, and applies configuration from the proxy.
func (a *ConfigurableAgentBase[T]) OnConfigure(ctx context.Context, configMap map[string]interface{}) error {
	config, err := a.ParseConfig(configMap)
	if err != nil {
		return err
	}
	a.SetConfig(config)
	a.OnConfigApplied(ctx, config)
	return nil
}
