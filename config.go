package warden

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// TransportKind identifies which listener the runner binds.
type TransportKind string

const (
	TransportUDS  TransportKind = "uds"
	TransportGRPC TransportKind = "grpc"
)

// RunnerConfig is the launcher's configuration record (§6). It configures
// the v1 AgentRunner; the v2 runner uses its own RunnerConfigV2 and
// ParseArgsV2.
type RunnerConfig struct {
	Transport         TransportKind
	SocketPath        string
	Host              string
	Port              int
	Name              string
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	DrainTimeout      time.Duration
	MaxConnections    int
	EnableKeepAlive   bool
	KeepAliveInterval time.Duration
	JSONLogs          bool
	LogLevel          string
	AgentNameOverride string
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Transport:         TransportUDS,
		SocketPath:        "/tmp/warden-agent.sock",
		Host:              "127.0.0.1",
		Port:              50051,
		Name:              "agent",
		RequestTimeout:    0,
		HandshakeTimeout:  10 * time.Second,
		DrainTimeout:      10 * time.Second,
		MaxConnections:    1024,
		EnableKeepAlive:   true,
		KeepAliveInterval: 30 * time.Second,
		JSONLogs:          false,
		LogLevel:          "info",
	}
}

// ParseArgs parses command-line arguments into a RunnerConfig. Both
// `--key=value` and `--key value` are accepted (pflag handles both forms
// natively); unrecognised flags are ignored by pflag's default behaviour
// once registered with a permissive FlagSet.
func ParseArgs() RunnerConfig {
	config := DefaultRunnerConfig()

	fs := pflag.NewFlagSet("warden-agent", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var transport string
	fs.StringVar(&config.SocketPath, "socket", config.SocketPath, "Unix socket path")
	fs.StringVar(&config.Host, "host", config.Host, "TCP host (grpc transport)")
	fs.IntVar(&config.Port, "port", config.Port, "TCP port (grpc transport)")
	fs.StringVar(&transport, "transport", string(config.Transport), "Transport: uds, grpc, or tcp (alias for grpc)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.JSONLogs, "json-logs", config.JSONLogs, "Enable JSON log format")
	fs.StringVar(&config.AgentNameOverride, "name", config.AgentNameOverride, "Override the agent's advertised name")
	_ = fs.Parse(os.Args[1:])

	switch transport {
	case "tcp", "grpc":
		config.Transport = TransportGRPC
	default:
		config.Transport = TransportUDS
	}

	return config
}

// generatedAgentID produces a collision-resistant fallback identifier for
// agents that have neither a --name flag nor a capability-supplied name.
func generatedAgentID() string {
	return "agent-" + uuid.NewString()[:8]
}

// RunAgent parses CLI arguments and runs the given agent to completion.
//
// Example:
//
//	func main() {
//	    warden.RunAgent(&MyAgent{})
//	}
func RunAgent(agent Agent) {
	config := ParseArgs()
	switch {
	case config.AgentNameOverride != "":
		config.Name = config.AgentNameOverride
	case agent.Name() != "":
		config.Name = agent.Name()
	default:
		config.Name = generatedAgentID()
	}

	runner := NewAgentRunner(agent).WithConfig(config)

	if err := runner.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func parseLogLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}

// newConsoleLogger builds a human-readable console logger at the given level.
func newConsoleLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.SetGlobalLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}

// newJSONLogger builds a structured JSON logger at the given level.
func newJSONLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Logger()
}
