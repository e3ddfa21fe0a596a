package reply

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Reporter is the remote end of a channel: a process on a grid node uses it
// to report back to the dispatching daemon.
type Reporter struct {
	desc   Descriptor
	conn   *grpc.ClientConn
	client ReplyClient
}

// Dial connects to the hub named by desc.
func Dial(desc Descriptor, opts ...grpc.DialOption) (*Reporter, error) {
	if desc.Address == "" || desc.ChannelID == "" {
		return nil, fmt.Errorf("%w: incomplete descriptor %q", ErrMalformedMessage, desc.String())
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(desc.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("reply: dial %s: %w", desc.Address, err)
	}
	return &Reporter{desc: desc, conn: conn, client: NewReplyClient(conn)}, nil
}

// Progress sends an informational message.
func (r *Reporter) Progress(ctx context.Context, text string, details map[string]interface{}) error {
	return r.send(ctx, Message{Kind: KindProgress, Text: text, Details: details})
}

// Fail reports err as the reason the job failed.
func (r *Reporter) Fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return r.send(ctx, Message{Kind: KindFailure, Text: err.Error()})
}

func (r *Reporter) send(ctx context.Context, m Message) error {
	in, err := encode(r.desc.ChannelID, m)
	if err != nil {
		return err
	}
	if _, err := r.client.Send(ctx, in); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, r.desc.ChannelID)
		}
		return fmt.Errorf("reply: send %s: %w", m.Kind, err)
	}
	return nil
}

// Close closes the connection.
func (r *Reporter) Close() error {
	if r.conn == nil {
		return errors.New("reply: reporter not connected")
	}
	return r.conn.Close()
}
