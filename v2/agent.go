package v2

import (
	"context"

	warden "github.com/wardenhq/warden-agent-sdk"
)

// AgentV2 extends the base Agent interface with v2 protocol features.
//
// Implement this interface to create an agent that supports the v2 protocol
// features including capability negotiation, health checks, and lifecycle hooks.
//
// Example:
//
//	type MyAgent struct {
//	    v2.BaseAgentV2
//	}
//
//	func (a *MyAgent) Name() string { return "my-agent" }
//
//	func (a *MyAgent) Capabilities() *v2.AgentCapabilities {
//	    return v2.NewAgentCapabilities().
//	        HandleRequestHeaders().
//	        HandleRequestBody()
//	}
//
//	func (a *MyAgent) OnRequest(ctx context.Context, req *warden.Request) *warden.Decision {
//	    // Your logic here
//	    return warden.Allow()
//	}
type AgentV2 interface {
	warden.Agent

	// Capabilities returns the agent's processing capabilities.
	// Called during handshake to negotiate features with the proxy.
	Capabilities() *AgentCapabilities

	// HealthCheck returns the current health status of the agent.
	// Called periodically by the proxy to verify agent health.
	HealthCheck(ctx context.Context) *HealthStatus

	// Metrics returns the current metrics for the agent.
	// Called by the proxy to collect agent performance data.
	Metrics(ctx context.Context) *MetricsReport

	// OnShutdown is called when the agent is being shut down.
	OnShutdown(ctx context.Context)

	// OnDrain is called when the agent should stop accepting new requests.
	// Existing requests should be completed.
	OnDrain(ctx context.Context)

	// OnStreamClosed is called when a connection to the proxy is closed.
	OnStreamClosed(ctx context.Context, streamID string)

	// OnCancel is called when a request is cancelled. The v2 handler calls it
	// for each cancel_request and, on cancel_all, once per request whose
	// OnRequest call is still in flight; it does not call the inherited
	// OnRequestCancelled or OnAllRequestsCancelled hooks.
	OnCancel(ctx context.Context, requestID uint64)
}

// agentV2Lifecycle holds the capability/metrics state and default lifecycle
// hook implementations shared by BaseAgentV2 and ConfigurableAgentV2Base, so
// the two don't carry duplicate copies of the same bookkeeping.
type agentV2Lifecycle struct {
	caps    *AgentCapabilities
	metrics *MetricsCollector
}

func newAgentV2Lifecycle() agentV2Lifecycle {
	return agentV2Lifecycle{
		caps:    NewAgentCapabilities(),
		metrics: NewMetricsCollector(),
	}
}

func (l *agentV2Lifecycle) capabilities() *AgentCapabilities {
	if l.caps == nil {
		l.caps = NewAgentCapabilities()
	}
	return l.caps
}

func (l *agentV2Lifecycle) setCapabilities(caps *AgentCapabilities) {
	l.caps = caps
}

func (l *agentV2Lifecycle) metricsReport(ctx context.Context) *MetricsReport {
	if l.metrics == nil {
		l.metrics = NewMetricsCollector()
	}
	return l.metrics.Report()
}

func (l *agentV2Lifecycle) metricsCollectorRef() *MetricsCollector {
	if l.metrics == nil {
		l.metrics = NewMetricsCollector()
	}
	return l.metrics
}

// BaseAgentV2 provides default implementations for all AgentV2 methods.
// Embed this in your agent struct to only implement the methods you need.
//
// Example:
//
//	type MyAgent struct {
//	    v2.BaseAgentV2
//	}
//
//	func (a *MyAgent) Name() string { return "my-agent" }
//
//	func (a *MyAgent) OnRequest(ctx context.Context, req *warden.Request) *warden.Decision {
//	    // Your custom logic here
//	    return warden.Allow()
//	}
type BaseAgentV2 struct {
	warden.BaseAgent
	agentV2Lifecycle
}

// NewBaseAgentV2 creates a new BaseAgentV2 with default capabilities.
func NewBaseAgentV2() *BaseAgentV2 {
	return &BaseAgentV2{agentV2Lifecycle: newAgentV2Lifecycle()}
}

func (a *BaseAgentV2) Capabilities() *AgentCapabilities         { return a.capabilities() }
func (a *BaseAgentV2) SetCapabilities(caps *AgentCapabilities)  { a.setCapabilities(caps) }
func (a *BaseAgentV2) HealthCheck(ctx context.Context) *HealthStatus {
	return NewHealthStatus()
}
func (a *BaseAgentV2) Metrics(ctx context.Context) *MetricsReport { return a.metricsReport(ctx) }
func (a *BaseAgentV2) OnShutdown(ctx context.Context)             {}
func (a *BaseAgentV2) OnDrain(ctx context.Context)                {}
func (a *BaseAgentV2) OnStreamClosed(ctx context.Context, streamID string) {}
func (a *BaseAgentV2) OnCancel(ctx context.Context, requestID uint64)      {}

// MetricsCollectorRef returns a reference to the metrics collector.
// Use this to record custom metrics.
func (a *BaseAgentV2) MetricsCollectorRef() *MetricsCollector { return a.metricsCollectorRef() }

// ConfigurableAgentV2 is an AgentV2 with typed configuration support.
//
// Example:
//
//	type MyConfig struct {
//	    RateLimit int  `json:"rate_limit"`
//	    Enabled   bool `json:"enabled"`
//	}
//
//	type MyAgent struct {
//	    *v2.ConfigurableAgentV2Base[MyConfig]
//	}
//
//	func NewMyAgent() *MyAgent {
//	    return &MyAgent{
//	        ConfigurableAgentV2Base: v2.NewConfigurableAgentV2(MyConfig{
//	            RateLimit: 100,
//	            Enabled:   true,
//	        }),
//	    }
//	}
type ConfigurableAgentV2[T any] interface {
	AgentV2
	warden.ConfigurableAgent[T]
}

// ConfigurableAgentV2Base provides a base implementation for ConfigurableAgentV2.
type ConfigurableAgentV2Base[T any] struct {
	*warden.ConfigurableAgentBase[T]
	agentV2Lifecycle
}

// NewConfigurableAgentV2 creates a new ConfigurableAgentV2Base with default config.
func NewConfigurableAgentV2[T any](defaultConfig T) *ConfigurableAgentV2Base[T] {
	return &ConfigurableAgentV2Base[T]{
		ConfigurableAgentBase: warden.NewConfigurableAgent(defaultConfig),
		agentV2Lifecycle:      newAgentV2Lifecycle(),
	}
}

func (a *ConfigurableAgentV2Base[T]) Capabilities() *AgentCapabilities {
	return a.capabilities()
}

func (a *ConfigurableAgentV2Base[T]) SetCapabilities(caps *AgentCapabilities) {
	a.setCapabilities(caps)
}

func (a *ConfigurableAgentV2Base[T]) HealthCheck(ctx context.Context) *HealthStatus {
	return NewHealthStatus()
}

func (a *ConfigurableAgentV2Base[T]) Metrics(ctx context.Context) *MetricsReport {
	return a.metricsReport(ctx)
}

func (a *ConfigurableAgentV2Base[T]) OnShutdown(ctx context.Context)             {}
func (a *ConfigurableAgentV2Base[T]) OnDrain(ctx context.Context)                {}
func (a *ConfigurableAgentV2Base[T]) OnStreamClosed(ctx context.Context, streamID string) {}
func (a *ConfigurableAgentV2Base[T]) OnCancel(ctx context.Context, requestID uint64)      {}

// MetricsCollectorRef returns a reference to the metrics collector.
func (a *ConfigurableAgentV2Base[T]) MetricsCollectorRef() *MetricsCollector {
	return a.metricsCollectorRef()
}
