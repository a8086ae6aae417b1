package warden

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// AgentRunner is the v1 connection runtime (C6): a UDS listener accepting
// one legacy (single-request-in-flight) connection per client, each served
// by its own goroutine.
type AgentRunner struct {
	agent    Agent
	config   RunnerConfig
	listener net.Listener
	conns    *semaphore.Weighted

	mu       sync.Mutex
	draining bool
	shutDown bool
	cancel   context.CancelFunc
}

// NewAgentRunner creates a runner for the given agent with default config.
func NewAgentRunner(agent Agent) *AgentRunner {
	config := DefaultRunnerConfig()
	config.Name = agent.Name()
	return &AgentRunner{agent: agent, config: config}
}

// WithName sets the agent name used for logging.
func (r *AgentRunner) WithName(name string) *AgentRunner {
	r.config.Name = name
	return r
}

// WithSocket sets the Unix socket path.
func (r *AgentRunner) WithSocket(path string) *AgentRunner {
	r.config.SocketPath = path
	return r
}

// WithJSONLogs enables JSON log output.
func (r *AgentRunner) WithJSONLogs() *AgentRunner {
	r.config.JSONLogs = true
	return r
}

// WithLogLevel sets the log level.
func (r *AgentRunner) WithLogLevel(level string) *AgentRunner {
	r.config.LogLevel = level
	return r
}

// WithConfig replaces the full runner configuration.
func (r *AgentRunner) WithConfig(config RunnerConfig) *AgentRunner {
	r.config = config
	return r
}

func (r *AgentRunner) setupLogging() {
	level := parseLogLevel(r.config.LogLevel)

	if r.config.JSONLogs {
		log.Logger = newJSONLogger(os.Stdout, level).With().Str("agent", r.config.Name).Logger()
	} else {
		log.Logger = newConsoleLogger(os.Stdout, level).With().Str("agent", r.config.Name).Logger()
	}
}

func (r *AgentRunner) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

func (r *AgentRunner) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer r.conns.Release(1)

	handler := NewAgentHandler(r.agent)
	if r.config.RequestTimeout > 0 {
		handler.SetRequestTimeout(r.config.RequestTimeout)
	}

	var closeErr error

	for {
		select {
		case <-ctx.Done():
			closeErr = ctx.Err()
			handler.CancelAll(ctx, "connection teardown")
			r.notifyStreamClosed(ctx, nil)
			return
		default:
		}

		msg, err := ReadMessage(conn)
		if err != nil {
			log.Error().Err(err).Msg("protocol error reading message")
			closeErr = err
			break
		}
		if msg == nil {
			break
		}

		if r.isDraining() {
			if eventType, _ := msg["event_type"].(string); EventType(eventType) == EventTypeRequestHeaders {
				reply := Block(503).WithBody("Agent is draining").Build()
				if err := WriteMessage(conn, reply); err != nil {
					log.Error().Err(err).Msg("failed to write draining reply")
					break
				}
				continue
			}
		}

		response, err := handler.HandleEvent(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to handle event")
			response = Allow().Build()
		}

		if err := WriteMessage(conn, response); err != nil {
			log.Error().Err(err).Msg("failed to write response")
			closeErr = err
			break
		}
	}

	handler.CancelAll(ctx, "connection closed")
	r.notifyStreamClosed(ctx, closeErr)
}

func (r *AgentRunner) notifyStreamClosed(ctx context.Context, err error) {
	if err == io.EOF {
		err = nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("OnStreamClosed panicked")
		}
	}()
	r.agent.OnStreamClosed(ctx, err)
}

// Run starts the agent server and blocks until shutdown completes.
func (r *AgentRunner) Run() error {
	r.setupLogging()

	if r.config.MaxConnections <= 0 {
		r.config.MaxConnections = DefaultRunnerConfig().MaxConnections
	}
	r.conns = semaphore.NewWeighted(int64(r.config.MaxConnections))

	if _, err := os.Stat(r.config.SocketPath); err == nil {
		if err := os.Remove(r.config.SocketPath); err != nil {
			return fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", r.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	r.listener = listener

	if err := os.Chmod(r.config.SocketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("failed to set socket permissions")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received")
		go r.Shutdown(context.Background())

		<-sigChan
		log.Warn().Msg("second signal received, terminating immediately")
		os.Exit(1)
	}()

	log.Info().
		Str("socket", r.config.SocketPath).
		Str("name", r.config.Name).
		Msg("agent listening")

	var wg sync.WaitGroup
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Error().Err(err).Msg("failed to accept connection")
			}
			break
		}

		if r.isDraining() {
			conn.Close()
			continue
		}

		if !r.conns.TryAcquire(1) {
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleConnection(ctx, conn)
		}()
	}

	wg.Wait()
	os.Remove(r.config.SocketPath)
	log.Info().Msg("agent shutdown complete")

	return nil
}

// Drain flips the draining flag: new connections and new request_headers
// events are refused; in-flight requests run to completion.
func (r *AgentRunner) Drain(ctx context.Context, timeoutMS int) {
	r.mu.Lock()
	alreadyDraining := r.draining
	r.draining = true
	r.mu.Unlock()

	if alreadyDraining {
		return
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("OnDrain panicked")
			}
		}()
		r.agent.OnDrain(ctx, timeoutMS)
	}()
}

// Shutdown enters drain, cancels every in-flight context, invokes
// OnShutdown, and stops accepting new connections. Idempotent: a second
// call is a no-op beyond logging.
func (r *AgentRunner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.shutDown {
		r.mu.Unlock()
		log.Info().Msg("shutdown already in progress, ignoring")
		return
	}
	r.shutDown = true
	r.draining = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("OnShutdown panicked")
			}
		}()
		r.agent.OnShutdown(ctx)
	}()

	if r.listener != nil {
		r.listener.Close()
	}
}
