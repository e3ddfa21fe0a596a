package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
)

// Client moves files to and from peer daemons. It implements
// filetoken.Backend.
type Client struct {
	peers     map[string]string // daemon id -> gRPC address
	dialOpts  []grpc.DialOption
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Collector

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // cache connections to peers
}

var _ filetoken.Backend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialOptions appends gRPC dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithChunkSize sets the payload size of one upload message.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records every transfer in m.
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the given daemon id -> address table.
func NewClient(peers map[string]string, opts ...ClientOption) *Client {
	c := &Client{
		peers:     make(map[string]string, len(peers)),
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
		conns:     make(map[string]*grpc.ClientConn),
	}
	for id, addr := range peers {
		c.peers[id] = addr
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddPeer registers or replaces the address of a daemon.
func (c *Client) AddPeer(daemonID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.peers[daemonID]; ok && old != addr {
		if conn, ok := c.conns[daemonID]; ok {
			_ = conn.Close()
			delete(c.conns, daemonID)
		}
	}
	c.peers[daemonID] = addr
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, conn := range c.conns {
		errs = append(errs, conn.Close())
		delete(c.conns, id)
	}
	return errors.Join(errs...)
}

func (c *Client) client(daemonID string) (FileTransferClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[daemonID]; ok {
		return NewFileTransferClient(conn), nil
	}
	addr, ok := c.peers[daemonID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, daemonID)
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOpts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s at %s: %w", daemonID, addr, err)
	}
	c.conns[daemonID] = conn
	return NewFileTransferClient(conn), nil
}

// handle is a transfer running in its own goroutine.
type handle struct {
	done chan struct{}
	err  error
}

func (h *handle) Await() error {
	<-h.done
	return h.err
}

func (c *Client) start(ctx context.Context, daemonID string, run func(context.Context, FileTransferClient) error) (filetoken.Handle, error) {
	client, err := c.client(daemonID)
	if err != nil {
		return nil, err
	}
	h := &handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = run(ctx, client)
	}()
	return h, nil
}

// UploadFile pushes localPath to remotePath on destDaemonID.
func (c *Client) UploadFile(ctx context.Context, destDaemonID, localPath, remotePath string) (filetoken.Handle, error) {
	return c.start(ctx, destDaemonID, func(ctx context.Context, client FileTransferClient) error {
		return c.upload(ctx, client, localPath, remotePath)
	})
}

// UploadFolder pushes every regular file under localPath, keeping the layout
// relative to remotePath.
func (c *Client) UploadFolder(ctx context.Context, destDaemonID, localPath, remotePath string) (filetoken.Handle, error) {
	return c.start(ctx, destDaemonID, func(ctx context.Context, client FileTransferClient) error {
		return filepath.WalkDir(localPath, func(p string, entry os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(localPath, p)
			if err != nil {
				return err
			}
			return c.upload(ctx, client, p, path.Join(remotePath, filepath.ToSlash(rel)))
		})
	})
}

// DownloadFile pulls remotePath from srcDaemonID into localPath.
func (c *Client) DownloadFile(ctx context.Context, srcDaemonID, localPath, remotePath string) (filetoken.Handle, error) {
	return c.start(ctx, srcDaemonID, func(ctx context.Context, client FileTransferClient) error {
		return c.download(ctx, client, localPath, remotePath)
	})
}

func (c *Client) upload(ctx context.Context, client FileTransferClient, localPath, remotePath string) (err error) {
	start := time.Now()
	var sent int64
	defer func() { c.metrics.RecordTransfer("upload", sent, time.Since(start), err) }()

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, RemotePathKey, remotePath))
	defer cancel()
	stream, err := client.Upload(ctx)
	if err != nil {
		return mapRPC(remotePath, err)
	}

	d := newDigest()
	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
			if err := stream.Send(wrapperspb.Bytes(buf[:n])); err != nil {
				// The server's status is only available from CloseAndRecv.
				if !errors.Is(err, io.EOF) {
					return mapRPC(remotePath, err)
				}
				break
			}
			sent += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	reply, err := stream.CloseAndRecv()
	if err != nil {
		return mapRPC(remotePath, err)
	}
	want, err := d.Hex()
	if err != nil {
		return err
	}
	if reply.GetValue() != want {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, remotePath)
	}
	c.logger.Debug("File uploaded", "local", localPath, "remote", remotePath, "bytes", sent)
	return nil
}

func (c *Client) download(ctx context.Context, client FileTransferClient, localPath, remotePath string) (err error) {
	start := time.Now()
	d := newDigest()
	defer func() { c.metrics.RecordTransfer("download", d.n, time.Since(start), err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := client.Download(ctx, wrapperspb.String(remotePath))
	if err != nil {
		return mapRPC(remotePath, err)
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := io.MultiWriter(tmp, d)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			tmp.Close()
			return mapRPC(remotePath, recvErr)
		}
		if _, err := w.Write(chunk.GetValue()); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	got, err := d.Hex()
	if err != nil {
		return err
	}
	if sums := stream.Trailer().Get(DigestTrailerKey); len(sums) == 0 || sums[0] != got {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, remotePath)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return err
	}
	c.logger.Debug("File downloaded", "remote", remotePath, "local", localPath, "bytes", d.n)
	return nil
}
