package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-grid/internal/allocator"
	"github.com/ChuLiYu/beaver-grid/internal/gridengine"
	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// Config represents the complete daemon configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Daemon struct {
		types.DaemonInfo `yaml:",inline"`
		Listen           string `yaml:"listen"`  // gRPC listen address
		Address          string `yaml:"address"` // address peers and grid nodes dial, listen address if empty
	} `yaml:"daemon"`

	// Identity a grid node assumes while running a packet. The id defaults
	// to the node's host name.
	Node types.DaemonInfo `yaml:"node"`

	Database *types.DaemonInfo `yaml:"database_daemon"`

	// Transfer addresses of other daemons, by daemon id.
	Peers map[string]string `yaml:"peers"`

	Transfer struct {
		ChunkSize int           `yaml:"chunk_size"`
		PoolSize  int           `yaml:"pool_size"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"transfer"`

	Staging struct {
		Root      string        `yaml:"root"`
		LockRetry time.Duration `yaml:"lock_retry"`
	} `yaml:"staging"`

	Grid struct {
		Backend          string        `yaml:"backend"` // sge or local
		BinDir           string        `yaml:"bin_dir"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		AccountingGrace  time.Duration `yaml:"accounting_grace"`
		MaxCommandLength int           `yaml:"max_command_length"`
		WaitErrorBackoff time.Duration `yaml:"wait_error_backoff"`
		EvictCompleted   bool          `yaml:"evict_completed"`
	} `yaml:"grid"`

	Dispatch struct {
		WrapperCommand   string            `yaml:"wrapper_command"`
		WrapperArgs      []string          `yaml:"wrapper_args"`
		Queue            string            `yaml:"queue"`
		MemoryMB         int               `yaml:"memory_mb"`
		NativeSpec       string            `yaml:"native_spec"`
		SharedTempDir    string            `yaml:"shared_temp_dir"`
		SharedWorkingDir string            `yaml:"shared_working_dir"`
		SharedLogDir     string            `yaml:"shared_log_dir"`
		WorkerConfig     map[string]string `yaml:"worker_config"`
	} `yaml:"dispatch"`

	Holder struct {
		FileWaitTimeout time.Duration `yaml:"file_wait_timeout"`
		PollInterval    time.Duration `yaml:"poll_interval"`
	} `yaml:"holder"`

	Allocate struct {
		PacketWait time.Duration `yaml:"packet_wait"`
	} `yaml:"allocate"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json, or auto
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.Listen == "" {
		c.Daemon.Listen = ":7000"
	}
	if c.Grid.Backend == "" {
		c.Grid.Backend = "sge"
	}
	if c.Grid.MaxCommandLength <= 0 {
		c.Grid.MaxCommandLength = gridengine.DefaultMaxCommandLength
	}
	if c.Holder.FileWaitTimeout <= 0 {
		c.Holder.FileWaitTimeout = holder.DefaultFileWaitTimeout
	}
	if c.Holder.PollInterval <= 0 {
		c.Holder.PollInterval = holder.DefaultPollInterval
	}
	if c.Allocate.PacketWait <= 0 {
		c.Allocate.PacketWait = allocator.DefaultPacketWait
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Database != nil && c.Database.ID == "" {
		c.Database = nil
	}
}

// validateDispatch checks what a dispatching daemon needs beyond its id.
func (c *Config) validateDispatch() error {
	switch {
	case c.Daemon.ID == "":
		return fmt.Errorf("config: daemon.id is required")
	case c.Dispatch.WrapperCommand == "":
		return fmt.Errorf("config: dispatch.wrapper_command is required")
	case c.Dispatch.SharedTempDir == "":
		return fmt.Errorf("config: dispatch.shared_temp_dir is required")
	}
	switch c.Grid.Backend {
	case "sge", "local":
	default:
		return fmt.Errorf("config: unknown grid.backend %q", c.Grid.Backend)
	}
	return nil
}

// peersWithSelf is the peer table handed to grid nodes: the configured
// peers plus this daemon at its advertised address.
func (c *Config) peersWithSelf(address string) map[string]string {
	peers := make(map[string]string, len(c.Peers)+1)
	for id, addr := range c.Peers {
		peers[id] = addr
	}
	peers[c.Daemon.ID] = address
	return peers
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. The auto format writes text to a
// terminal and JSON otherwise, which is what a grid log file should get.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "auto", "":
		if isTerminal(w) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", format)
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
