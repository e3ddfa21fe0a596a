// ============================================================================
// Beaver-Grid Allocator - Grid Node Entry Point
// ============================================================================
//
// Package: internal/allocator
// File: allocator.go
// Function: Runs one dispatched packet on the grid node the scheduler picked
//
// Run flow:
//   1. wait for the packet file (shared storage may lag behind the writer)
//   2. load the envelope, connect the reply channel
//   3. build a file token factory for this node: its own identity, the
//      envelope's peers as transfer backend, the shared temp dir as staging
//   4. restore the payload (files resolved, expected files present)
//   5. run the handler registered for the packet kind
//   6. SynchronizeAfterWork (outputs pushed back to their origin)
//
// Failures after step 2 are sent over the reply channel before Run returns
// them. Success is not reported: the dispatcher learns it from the scheduler.
//
// ============================================================================

package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
	"github.com/ChuLiYu/beaver-grid/internal/packet"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/internal/transfer"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

const (
	// DefaultPacketWait is how long a packet may take to appear on this node.
	DefaultPacketWait = 2 * time.Minute
	// DefaultPacketPoll is how often its presence is checked.
	DefaultPacketPoll = 500 * time.Millisecond
)

// ErrPacketMissing means the packet file never appeared.
var ErrPacketMissing = errors.New("packet file did not appear")

// Config configures Run.
type Config struct {
	Self            types.DaemonInfo // identity of this grid node
	StagingRoot     string           // used when the packet names no shared temp dir
	PacketWait      time.Duration
	PacketPoll      time.Duration
	FileWaitTimeout time.Duration
	FilePoll        time.Duration
	DialOptions     []grpc.DialOption // transfer and reply connections
	Backend         filetoken.Backend // overrides the transfer client built from the packet's peers
	Logger          *slog.Logger
	Metrics         *metrics.Collector
}

func (c *Config) defaults() {
	if c.PacketWait <= 0 {
		c.PacketWait = DefaultPacketWait
	}
	if c.PacketPoll <= 0 {
		c.PacketPoll = DefaultPacketPoll
	}
	if c.FileWaitTimeout <= 0 {
		c.FileWaitTimeout = holder.DefaultFileWaitTimeout
	}
	if c.FilePoll <= 0 {
		c.FilePoll = holder.DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Self.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "grid-node"
		}
		c.Self.ID = host
	}
}

// Run processes the packet at packetPath.
func Run(ctx context.Context, config Config, packetPath string) error {
	config.defaults()
	logger := config.Logger.With("packet", packetPath)

	if host, err := os.Hostname(); err == nil {
		logger.Info("Running grid job", "host", host)
	}

	if err := waitForPacket(ctx, packetPath, config.PacketWait, config.PacketPoll); err != nil {
		return err
	}

	env, err := packet.NewStore().Load(packetPath)
	if err != nil {
		return err
	}

	var reporter *reply.Reporter
	if !env.Reply.IsZero() {
		reporter, err = reply.Dial(env.Reply, config.DialOptions...)
		if err != nil {
			logger.Error("Failed to connect reply channel", "reply", env.Reply.String(), "error", err)
		} else {
			defer reporter.Close()
		}
	}

	if err := process(ctx, config, env, reporter, logger); err != nil {
		err = fmt.Errorf("failed to process work packet %s: %w", packetPath, err)
		logger.Error("Grid job failed", "error", err)
		if reporter != nil {
			if sendErr := reporter.Fail(ctx, err); sendErr != nil {
				logger.Error("Error sending failure to dispatcher", "error", sendErr)
			}
		}
		return err
	}

	logger.Info("Work packet successfully processed", "kind", env.Kind)
	return nil
}

func process(ctx context.Context, config Config, env *packet.Envelope, reporter *reply.Reporter, logger *slog.Logger) error {
	backend := config.Backend
	if backend == nil && len(env.Peers) > 0 {
		client := transfer.NewClient(env.Peers,
			transfer.WithDialOptions(config.DialOptions...),
			transfer.WithLogger(logger),
			transfer.WithMetrics(config.Metrics))
		defer client.Close()
		backend = client
	}

	staging := env.SharedTempDir
	if staging == "" {
		staging = config.StagingRoot
	}
	factory, err := filetoken.NewFactory(filetoken.Config{
		Self:        config.Self,
		Database:    env.Database,
		Backend:     backend,
		StagingRoot: staging,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer factory.Close()

	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	handler, err := handlerFor(env.Kind)
	if err != nil {
		return err
	}

	if err := holder.Restore(ctx, payload, factory, factory,
		holder.FileWaitTimeout(config.FileWaitTimeout),
		holder.PollInterval(config.FilePoll),
		holder.WithLogger(logger)); err != nil {
		return err
	}

	if reporter != nil {
		if err := reporter.Progress(ctx, "request processing started", map[string]interface{}{"node": config.Self.ID}); err != nil {
			logger.Warn("Error reporting progress", "error", err)
		}
	}

	if err := handler(ctx, payload, env); err != nil {
		return err
	}
	return holder.SynchronizeAfterWork(ctx, payload)
}

// waitForPacket polls until path exists or timeout passes.
func waitForPacket(ctx context.Context, path string, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w within %s: %s", ErrPacketMissing, timeout, path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
