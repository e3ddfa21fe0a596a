package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-grid/internal/dispatch"
	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
	"github.com/ChuLiYu/beaver-grid/internal/gridengine"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/internal/transfer"
)

// daemon is one running beaver-grid daemon: the gRPC server carrying the
// transfer and reply services, the file token factory, and optionally the
// grid manager and dispatch runner.
type daemon struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Collector

	listener   net.Listener
	grpcServer *grpc.Server
	metricsSrv *http.Server
	address    string

	hub     *reply.Hub
	client  *transfer.Client
	factory *filetoken.Factory

	grid   *gridengine.Manager
	runner *dispatch.Runner

	serveErr chan error
}

// startDaemon opens the listener and serves. With withGrid the scheduler
// adapter and the dispatch runner are created too.
func startDaemon(cfg *Config, logger *slog.Logger, withGrid bool) (*daemon, error) {
	if cfg.Daemon.ID == "" {
		return nil, fmt.Errorf("config: daemon.id is required")
	}
	if withGrid {
		if err := cfg.validateDispatch(); err != nil {
			return nil, err
		}
	}

	d := &daemon{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}
	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewCollector()
	}

	lis, err := net.Listen("tcp", cfg.Daemon.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Daemon.Listen, err)
	}
	d.listener = lis
	d.address = cfg.Daemon.Address
	if d.address == "" {
		d.address = advertisedAddress(lis.Addr())
	}

	d.client = transfer.NewClient(cfg.Peers,
		transfer.WithChunkSize(cfg.Transfer.ChunkSize),
		transfer.WithLogger(logger),
		transfer.WithMetrics(d.metrics))

	d.factory, err = filetoken.NewFactory(filetoken.Config{
		Self:            cfg.Daemon.DaemonInfo,
		Database:        cfg.Database,
		Backend:         d.client,
		StagingRoot:     cfg.Staging.Root,
		PoolSize:        cfg.Transfer.PoolSize,
		TransferTimeout: cfg.Transfer.Timeout,
		LockRetry:       cfg.Staging.LockRetry,
		Logger:          logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	d.hub = reply.NewHub(d.address, reply.WithLogger(logger), reply.WithMetrics(d.metrics))
	d.grpcServer = grpc.NewServer()
	transfer.RegisterFileTransferServer(d.grpcServer, &transfer.Server{
		ChunkSize: cfg.Transfer.ChunkSize,
		Logger:    logger,
		Metrics:   d.metrics,
	})
	reply.RegisterReplyServer(d.grpcServer, d.hub)

	if withGrid {
		if err := d.startGrid(); err != nil {
			d.Close()
			return nil, err
		}
	}

	go func() {
		d.serveErr <- d.grpcServer.Serve(lis)
	}()

	if cfg.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Info("Starting metrics server", "addr", d.metricsSrv.Addr)
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	logger.Info("Daemon started",
		"daemon", cfg.Daemon.DaemonInfo.String(),
		"listen", lis.Addr().String(),
		"address", d.address,
		"grid", withGrid)
	return d, nil
}

func (d *daemon) startGrid() error {
	var session gridengine.SessionFactory
	switch d.cfg.Grid.Backend {
	case "local":
		session = gridengine.LocalSessionFactory(d.logger)
	default:
		session = gridengine.SGESessionFactory(gridengine.SGEConfig{
			BinDir:          d.cfg.Grid.BinDir,
			PollInterval:    d.cfg.Grid.PollInterval,
			AccountingGrace: d.cfg.Grid.AccountingGrace,
			Logger:          d.logger,
		})
	}

	grid, err := gridengine.NewManager(gridengine.Config{
		Session:          session,
		MaxCommandLength: d.cfg.Grid.MaxCommandLength,
		WaitErrorBackoff: d.cfg.Grid.WaitErrorBackoff,
		EvictCompleted:   d.cfg.Grid.EvictCompleted,
		Logger:           d.logger,
		Metrics:          d.metrics,
	})
	if err != nil {
		return err
	}
	d.grid = grid

	dc := d.cfg.Dispatch
	d.runner, err = dispatch.NewRunner(dispatch.Config{
		Grid:             grid,
		Translator:       d.factory,
		Hub:              d.hub,
		Self:             d.factory.Self(),
		Database:         d.cfg.Database,
		Peers:            d.cfg.peersWithSelf(d.address),
		WrapperCommand:   dc.WrapperCommand,
		WrapperArgs:      dc.WrapperArgs,
		Queue:            dc.Queue,
		MemoryMB:         dc.MemoryMB,
		NativeSpec:       dc.NativeSpec,
		SharedTempDir:    dc.SharedTempDir,
		SharedWorkingDir: dc.SharedWorkingDir,
		SharedLogDir:     dc.SharedLogDir,
		WorkerConfig:     dc.WorkerConfig,
		Logger:           d.logger,
		Metrics:          d.metrics,
	})
	return err
}

// Done delivers the gRPC server's exit error.
func (d *daemon) Done() <-chan error {
	return d.serveErr
}

// Close stops everything startDaemon started, in reverse order.
func (d *daemon) Close() {
	if d.grid != nil {
		if err := d.grid.Close(); err != nil {
			d.logger.Warn("Error closing grid session", "error", err)
		}
	}
	if d.grpcServer != nil {
		d.grpcServer.GracefulStop()
	}
	if d.listener != nil {
		d.listener.Close() //nolint:errcheck // already closed by a serving server
	}
	if d.metricsSrv != nil {
		d.metricsSrv.Shutdown(context.Background()) //nolint:errcheck
	}
	if d.factory != nil {
		d.factory.Close()
	}
	if d.client != nil {
		d.client.Close()
	}
}

// advertisedAddress replaces a wildcard listen host with this host's name.
func advertisedAddress(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return addr.String()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}
