package packet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// SchemaVersion is written into every envelope.
const SchemaVersion = 1

// ErrUnknownKind means no payload type is registered under a kind.
var ErrUnknownKind = errors.New("unknown packet kind")

// Envelope is what a dispatched grid job reads at start: the payload plus
// everything the grid node needs to resolve its files and report back.
type Envelope struct {
	SchemaVer     int               `yaml:"schema_version"`
	Kind          string            `yaml:"kind"`
	Origin        types.DaemonInfo  `yaml:"origin"`
	Database      *types.DaemonInfo `yaml:"database_daemon,omitempty"`
	Peers         map[string]string `yaml:"peers,omitempty"` // daemon id -> transfer address
	Reply         reply.Descriptor  `yaml:"reply"`
	WorkerConfig  map[string]string `yaml:"worker_config,omitempty"`
	SharedTempDir string            `yaml:"shared_temp_dir,omitempty"`
	Payload       yaml.Node         `yaml:"payload"`
}

// SetPayload encodes h as the payload under kind.
func (e *Envelope) SetPayload(kind string, h holder.Holder) error {
	var node yaml.Node
	if err := node.Encode(h); err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	e.Kind = kind
	e.Payload = node
	return nil
}

// DecodePayload builds the registered type for Kind and decodes into it.
func (e *Envelope) DecodePayload() (holder.Holder, error) {
	h, err := New(e.Kind)
	if err != nil {
		return nil, err
	}
	if err := e.Payload.Decode(h); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrCorruptedPacket, e.Kind, err)
	}
	return h, nil
}

// ============================================================================
// Kind registry
// ============================================================================

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]func() holder.Holder)
)

// Register makes a payload type loadable under kind. Registering a kind twice
// panics.
func Register(kind string, factory func() holder.Holder) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, dup := kinds[kind]; dup {
		panic("packet: kind registered twice: " + kind)
	}
	kinds[kind] = factory
}

// New returns an empty payload of the registered kind.
func New(kind string) (holder.Holder, error) {
	kindsMu.RLock()
	factory, ok := kinds[kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(), nil
}

// Kinds lists the registered kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
