package packet

// ============================================================================
// Responsibilities:
// 1. Serialize a packet envelope to a YAML file on shared storage
// 2. Write atomically (temp file + rename) so a grid node never reads a
//    half written packet
// 3. Check the schema version on load
// 4. Remove the packet once the dispatch is terminal
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedPacket     = errors.New("packet file is corrupted")
	ErrIncompatibleVersion = errors.New("packet schema version is incompatible")
	ErrPacketNotFound      = errors.New("packet file not found")
)

// Store reads and writes packet files.
type Store struct {
	mu sync.Mutex // serializes file operations of this process
}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{}
}

// NewPath names a fresh packet file <dir>/<queue>_<uuid>.yaml.
func NewPath(dir, queue string) string {
	if queue == "" {
		queue = "grid"
	}
	return filepath.Join(dir, queue+"_"+uuid.NewString()+".yaml")
}

// Write stores env at path atomically, creating the parent directory.
func (s *Store) Write(path string, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.SchemaVer = SchemaVersion

	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create packet directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp packet: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename packet: %w", err)
	}
	return nil
}

// Load reads the envelope at path.
//
// Errors:
//   - ErrPacketNotFound: no file at path
//   - ErrCorruptedPacket: the file is not a packet
//   - ErrIncompatibleVersion: written by a different schema
func (s *Store) Load(path string) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, path)
		}
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}

	var env Envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedPacket, err)
	}
	if env.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrCorruptedPacket)
	}
	return &env, nil
}

// Remove deletes the packet. A missing file is not an error.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove packet: %w", err)
	}
	return nil
}

// Exists reports whether a packet file is present at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
