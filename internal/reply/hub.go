// ============================================================================
// Beaver-Grid Reply Hub - Channels Back From Grid Jobs
// ============================================================================
//
// Package: internal/reply
// File: hub.go
// Function: Lets a process running on a grid node report progress and
//           failures back to the daemon that dispatched it
//
// Channel lifecycle:
//   Open()     - dispatcher creates a channel, puts Descriptor in the packet
//   Send()     - remote Reporter delivers progress / failure messages
//   Release()  - dispatcher drops the channel once the job is terminal;
//                later messages are rejected with NotFound
//
// A failure message does not end the channel. The dispatcher still waits for
// the scheduler to report the job terminal and then prefers LastError over
// the scheduler's own failure message.
//
// ============================================================================

package reply

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-grid/internal/metrics"
)

// Hub owns the reply channels of one daemon and serves the Reply service.
type Hub struct {
	address string
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	channels map[string]*Channel
}

var _ ReplyServer = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics counts received messages in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub reachable by remote processes at address.
func NewHub(address string, opts ...Option) *Hub {
	h := &Hub{
		address:  address,
		logger:   slog.Default(),
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Address is the gRPC address advertised in descriptors.
func (h *Hub) Address() string {
	return h.address
}

// Open creates a channel. onProgress, if not nil, is called for every
// progress message on the goroutine that received it.
func (h *Hub) Open(onProgress func(Message)) *Channel {
	c := &Channel{
		id:         uuid.NewString(),
		hub:        h,
		onProgress: onProgress,
	}
	h.mu.Lock()
	h.channels[c.id] = c
	h.mu.Unlock()
	return c
}

// Release drops the channel. It reports whether the channel was open.
func (h *Hub) Release(channelID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channelID]; !ok {
		return false
	}
	delete(h.channels, channelID)
	return true
}

// OpenChannels is the number of channels not yet released.
func (h *Hub) OpenChannels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Deliver hands m to an open channel.
func (h *Hub) Deliver(channelID string, m Message) error {
	h.mu.Lock()
	c, ok := h.channels[channelID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	h.metrics.RecordReply(string(m.Kind))
	c.deliver(m)
	return nil
}

// Send implements ReplyServer.
func (h *Hub) Send(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	channelID, m, err := decode(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := h.Deliver(channelID, m); err != nil {
		if errors.Is(err, ErrUnknownChannel) {
			h.logger.Warn("Message for a released channel", "channel", channelID, "kind", m.Kind)
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Channel receives the reports of one dispatched job.
type Channel struct {
	id         string
	hub        *Hub
	onProgress func(Message)

	mu      sync.Mutex
	lastErr *RemoteError
}

// ID is the channel id.
func (c *Channel) ID() string {
	return c.id
}

// Descriptor is what the remote side needs to reach this channel.
func (c *Channel) Descriptor() Descriptor {
	return Descriptor{Address: c.hub.address, ChannelID: c.id}
}

// LastError is the most recent failure reported over the channel, or nil.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

// Release drops the channel from its hub.
func (c *Channel) Release() {
	c.hub.Release(c.id)
}

func (c *Channel) deliver(m Message) {
	switch m.Kind {
	case KindFailure:
		c.mu.Lock()
		c.lastErr = &RemoteError{Message: m.Text, Details: m.Details}
		c.mu.Unlock()
		c.hub.logger.Debug("Failure reported", "channel", c.id, "error", m.Text)
	case KindProgress:
		if c.onProgress != nil {
			c.onProgress(m)
		}
	}
}
