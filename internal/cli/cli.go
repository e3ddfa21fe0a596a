// ============================================================================
// Beaver-Grid CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for daemons, dispatch and grid nodes
//
// Command Structure:
//   beaver-grid                    # Root command
//   ├── serve                      # Serve this daemon's files and reply channels
//   ├── run                        # Dispatch one program to the grid and wait
//   │   ├── --in name=path        # Input file, repeatable
//   │   ├── --out name=path       # Output file, repeatable
//   │   └── --env KEY=VALUE       # Environment, repeatable
//   ├── allocate                   # Grid node entry, started by the scheduler
//   │   └── --packet <file>       # Packet written by the dispatcher
//   ├── daemons                    # Table of configured daemons
//   └── --config, -c              # Config file (default: configs/default.yaml)
//
// Examples:
//   ./beaver-grid serve
//   ./beaver-grid run --in spectra=/mnt/raw/x.mgf --out report=/mnt/out/x.xml \
//       -- /opt/tandem/tandem '{in:spectra}' '{out:report}'
//   ./beaver-grid allocate --packet /mnt/shared/tmp/mascot_<uuid>.yaml
//
// Signal Handling:
//   serve and run stop on SIGINT/SIGTERM. run abandons the wait; the grid job
//   itself is left to the scheduler.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-grid/internal/allocator"
	"github.com/ChuLiYu/beaver-grid/internal/dispatch"
	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
	"github.com/ChuLiYu/beaver-grid/internal/packet"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-grid",
		Short: "Beaver-Grid: grid dispatch with cross-daemon file tokens",
		Long: `Beaver-Grid sends work to a Grid Engine cluster with:
- file references that survive the trip between daemons
- staging and transfer of files outside shared storage
- progress and failures reported back from grid nodes
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAllocateCommand())
	rootCmd.AddCommand(buildDaemonsCommand())

	return rootCmd
}

// setup loads the config and installs the configured logger as default.
func setup(w io.Writer) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon's transfer and reply services",
		Long:  "Serve this daemon's files to peers and grid nodes and accept reply messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	d, err := startDaemon(cfg, logger, false)
	if err != nil {
		return err
	}
	defer d.Close()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-d.Done():
		return fmt.Errorf("gRPC server failed: %w", err)
	}
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	inputs  []string
	outputs []string
	env     []string
	workDir string
	queue   string
	memory  int
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Start a program on the grid and wait for it",
		Long: `Dispatch one program to the grid. Arguments may reference files declared
with --in and --out as {in:name} and {out:name}; grid nodes see them at
their own local paths.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.packet(args)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.queue != "" {
				cfg.Dispatch.Queue = opts.queue
			}
			if opts.memory > 0 {
				cfg.Dispatch.MemoryMB = opts.memory
			}
			ctx, stop := signalContext()
			defer stop()

			assigned, err := runPacket(ctx, cfg, logger, p)
			if assigned.JobID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s\n  output: %s\n  errors: %s\n",
					assigned.JobID, assigned.OutputLog, assigned.ErrorLog)
			}
			return err
		},
	}

	cmd.Flags().StringArrayVar(&opts.inputs, "in", nil, "input file as name=path")
	cmd.Flags().StringArrayVar(&opts.outputs, "out", nil, "output file as name=path")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "environment variable as KEY=VALUE")
	cmd.Flags().StringVar(&opts.workDir, "workdir", "", "working directory on the grid node")
	cmd.Flags().StringVar(&opts.queue, "queue", "", "grid queue, overrides dispatch.queue")
	cmd.Flags().IntVar(&opts.memory, "memory", 0, "memory in MB, overrides dispatch.memory_mb")

	return cmd
}

func (o runOptions) packet(args []string) (*packet.ExecPacket, error) {
	inputs, err := parseAssignments("--in", o.inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := parseAssignments("--out", o.outputs)
	if err != nil {
		return nil, err
	}
	env, err := parseAssignments("--env", o.env)
	if err != nil {
		return nil, err
	}

	p := &packet.ExecPacket{
		Program: args[0],
		Args:    args[1:],
		Env:     env,
		WorkDir: holder.File(o.workDir),
	}
	if len(inputs) > 0 {
		p.Inputs = make(map[string]holder.File, len(inputs))
		for name, path := range inputs {
			p.Inputs[name] = holder.File(path)
		}
	}
	if len(outputs) > 0 {
		p.Outputs = make(map[string]holder.File, len(outputs))
		for name, path := range outputs {
			p.Outputs[name] = holder.File(path)
		}
	}
	if _, err := p.ExpandArgs(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseAssignments splits name=value flags.
func parseAssignments(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%s %q: expected name=value", flag, v)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%s %q: name given twice", flag, name)
		}
		out[name] = value
	}
	return out, nil
}

// runPacket dispatches p through a daemon started for this call and waits
// for the terminal response.
func runPacket(ctx context.Context, cfg *Config, logger *slog.Logger, p *packet.ExecPacket) (types.AssignedTaskData, error) {
	d, err := startDaemon(cfg, logger, true)
	if err != nil {
		return types.AssignedTaskData{}, err
	}
	defer d.Close()

	waiter := dispatch.NewWaiter()
	waiter.OnProgress = func(info interface{}) {
		switch v := info.(type) {
		case types.AssignedTaskData:
			logger.Info("Job assigned", "jobID", v.JobID, "output", v.OutputLog, "errors", v.ErrorLog)
		case reply.Message:
			logger.Info("Progress", "text", v.Text, "details", v.Details)
		}
	}

	if err := d.runner.Dispatch(ctx, dispatch.Request{Kind: packet.ExecKind, Payload: p}, waiter); err != nil {
		return types.AssignedTaskData{}, err
	}
	assigned, _ := waiter.Assigned()

	if err := waiter.Wait(ctx); err != nil {
		return assigned, err
	}
	logger.Info("Job finished", "jobID", assigned.JobID)
	return assigned, nil
}

// ============================================================================
// allocate
// ============================================================================

func buildAllocateCommand() *cobra.Command {
	var packetPath string

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Run a dispatched packet on this grid node",
		Long:  "Entry point the grid scheduler runs. Not meant to be started by hand.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return allocate(ctx, cfg, logger, packetPath)
		},
	}

	cmd.Flags().StringVar(&packetPath, "packet", "", "packet file written by the dispatcher")
	cmd.MarkFlagRequired("packet") //nolint:errcheck

	return cmd
}

func allocate(ctx context.Context, cfg *Config, logger *slog.Logger, packetPath string) error {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	return allocator.Run(ctx, allocator.Config{
		Self:            cfg.Node,
		StagingRoot:     cfg.Staging.Root,
		PacketWait:      cfg.Allocate.PacketWait,
		FileWaitTimeout: cfg.Holder.FileWaitTimeout,
		FilePoll:        cfg.Holder.PollInterval,
		Logger:          logger,
		Metrics:         collector,
	}, packetPath)
}

// ============================================================================
// daemons
// ============================================================================

func buildDaemonsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemons",
		Short: "Show the configured daemons",
		Long:  "List this daemon, the database daemon and the transfer peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderDaemons(cfg, isTerminal(out)))
			return nil
		},
	}
}

func renderDaemons(cfg *Config, rounded bool) string {
	tw := table.NewWriter()
	if rounded {
		tw.SetStyle(table.StyleRounded)
	}
	tw.AppendHeader(table.Row{"ID", "Role", "Shared Path", "Address"})

	self := cfg.Daemon.DaemonInfo
	address := cfg.Daemon.Address
	if address == "" {
		address = cfg.Daemon.Listen
	}
	tw.AppendRow(table.Row{self.ID, "self", orDash(self.SharedPath), address})
	if cfg.Database != nil {
		tw.AppendRow(table.Row{cfg.Database.ID, "database", orDash(cfg.Database.SharedPath), orDash(cfg.Peers[cfg.Database.ID])})
	}

	ids := make([]string, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		if id == self.ID || (cfg.Database != nil && id == cfg.Database.ID) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tw.AppendRow(table.Row{id, "peer", "-", cfg.Peers[id]})
	}
	if cfg.Node.ID != "" || cfg.Node.SharedPath != "" {
		tw.AppendRow(table.Row{orDash(cfg.Node.ID), "grid node", orDash(cfg.Node.SharedPath), "-"})
	}
	return tw.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
