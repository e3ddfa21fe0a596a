package reply

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Descriptor is everything a remote process needs to talk back to a reply
// channel. It travels inside packet files.
type Descriptor struct {
	Address   string `yaml:"address"`
	ChannelID string `yaml:"channel_id"`
}

// IsZero reports whether d names no channel.
func (d Descriptor) IsZero() bool {
	return d.Address == "" && d.ChannelID == ""
}

func (d Descriptor) String() string {
	return d.ChannelID + "@" + d.Address
}

// Kind says what a Message carries.
type Kind string

const (
	KindProgress Kind = "progress"
	KindFailure  Kind = "failure"
)

// Message is one report sent over a reply channel.
type Message struct {
	Kind    Kind
	Text    string
	Details map[string]interface{}
}

var (
	// ErrUnknownChannel means the channel was never opened or was released.
	ErrUnknownChannel = errors.New("reply: unknown channel")
	// ErrMalformedMessage means a received message lacks a required field.
	ErrMalformedMessage = errors.New("reply: malformed message")
)

// RemoteError is a failure reported by the process at the other end.
type RemoteError struct {
	Message string
	Details map[string]interface{}
}

func (e *RemoteError) Error() string {
	return e.Message
}

func encode(channelID string, m Message) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"channel_id": channelID,
		"kind":       string(m.Kind),
		"text":       m.Text,
	}
	if len(m.Details) > 0 {
		fields["details"] = m.Details
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("reply: encode %s message: %w", m.Kind, err)
	}
	return s, nil
}

func decode(s *structpb.Struct) (string, Message, error) {
	fields := s.AsMap()
	channelID, _ := fields["channel_id"].(string)
	kind, _ := fields["kind"].(string)
	if channelID == "" || kind == "" {
		return "", Message{}, ErrMalformedMessage
	}
	m := Message{Kind: Kind(kind)}
	m.Text, _ = fields["text"].(string)
	m.Details, _ = fields["details"].(map[string]interface{})
	switch m.Kind {
	case KindProgress, KindFailure:
	default:
		return "", Message{}, fmt.Errorf("%w: kind %q", ErrMalformedMessage, kind)
	}
	return channelID, m, nil
}
