// Package config loads homeboard settings from defaults, an optional config
// file, HOMEBOARD_* environment variables, and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "homeboard.db"
	defaultQueueCapacity  = 10
	defaultLaunchTimeout  = 30 * time.Second
	defaultRequestTimeout = 2 * time.Minute
	defaultVsockPort      = 1024

	envPrefix     = "HOMEBOARD"
	envConfigFile = "HOMEBOARD_CONFIG"
)

// Worker modes.
const (
	WorkerInProc = "inproc"
	WorkerUnix   = "unix"
	WorkerVsock  = "vsock"
	WorkerBridge = "bridge"
)

// Config holds application configuration.
type Config struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	CatalogPaths      []string
	DefaultRenderMode model.RenderMode
	QueueCapacity     int
	LaunchTimeout     time.Duration
	RequestTimeout    time.Duration
	CORSOrigins       []string
	Worker            WorkerConfig
}

// WorkerConfig selects how worker execution contexts are reached.
type WorkerConfig struct {
	Mode        string
	SocketPath  string
	VsockCID    uint32
	VsockPort   uint32
	BridgePath  string
	Command     []string
	ExecTimeout time.Duration
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"listen":       "listen_addr",
	"db":           "db_path",
	"log-level":    "log_level",
	"catalog":      "catalog_paths",
	"render-mode":  "default_render_mode",
	"worker-mode":  "worker.mode",
	"worker-sock":  "worker.socket",
	"worker-cmd":   "worker.command",
	"queue-size":   "queue_capacity",
	"req-timeout":  "request_timeout",
	"cors-origins": "cors_origins",
}

// Load reads configuration. flags may be nil; flags that were set on the
// command line override every other source. A "config" flag, when set,
// names the config file in place of HOMEBOARD_CONFIG.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("catalog_paths", []string{"widgets"})
	v.SetDefault("default_render_mode", "")
	v.SetDefault("queue_capacity", defaultQueueCapacity)
	v.SetDefault("launch_timeout", defaultLaunchTimeout)
	v.SetDefault("request_timeout", defaultRequestTimeout)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("worker.mode", WorkerInProc)
	v.SetDefault("worker.socket", "")
	v.SetDefault("worker.vsock_cid", 3)
	v.SetDefault("worker.vsock_port", defaultVsockPort)
	v.SetDefault("worker.bridge_uds", "")
	v.SetDefault("worker.command", []string{})
	v.SetDefault("worker.exec_timeout", 30*time.Second)

	path := os.Getenv(envConfigFile)
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("homeboard")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		DBPath:         v.GetString("db_path"),
		LogLevel:       ParseLogLevel(v.GetString("log_level")),
		CatalogPaths:   splitList(v.GetStringSlice("catalog_paths")),
		QueueCapacity:  v.GetInt("queue_capacity"),
		LaunchTimeout:  v.GetDuration("launch_timeout"),
		RequestTimeout: v.GetDuration("request_timeout"),
		CORSOrigins:    splitList(v.GetStringSlice("cors_origins")),
		Worker: WorkerConfig{
			Mode:        strings.ToLower(v.GetString("worker.mode")),
			SocketPath:  v.GetString("worker.socket"),
			VsockCID:    v.GetUint32("worker.vsock_cid"),
			VsockPort:   v.GetUint32("worker.vsock_port"),
			BridgePath:  v.GetString("worker.bridge_uds"),
			Command:     strings.Fields(strings.Join(v.GetStringSlice("worker.command"), " ")),
			ExecTimeout: v.GetDuration("worker.exec_timeout"),
		},
	}

	if mode := v.GetString("default_render_mode"); mode != "" {
		m, err := model.ParseRenderMode(mode)
		if err != nil {
			return Config{}, fmt.Errorf("default_render_mode: %w", err)
		}
		cfg.DefaultRenderMode = m
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	switch c.Worker.Mode {
	case WorkerInProc:
	case WorkerUnix:
		if c.Worker.SocketPath == "" {
			return errors.New("worker.socket is required for unix worker mode")
		}
	case WorkerVsock:
		if c.Worker.VsockPort == 0 {
			return errors.New("worker.vsock_port is required for vsock worker mode")
		}
	case WorkerBridge:
		if c.Worker.BridgePath == "" {
			return errors.New("worker.bridge_uds is required for bridge worker mode")
		}
	default:
		return fmt.Errorf("unknown worker mode %q", c.Worker.Mode)
	}
	return nil
}

// splitList flattens comma-separated entries so list settings can come from
// a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for part := range strings.SplitSeq(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
