package allocator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/packet"
)

// Handler does the work of one packet kind on the grid node. The payload has
// been restored; its files are local paths.
type Handler func(ctx context.Context, payload holder.Holder, env *packet.Envelope) error

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{
		packet.ExecKind: runExec,
	}
)

// RegisterHandler installs the handler for kind, replacing any previous one.
func RegisterHandler(kind string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[kind] = h
}

func handlerFor(kind string) (Handler, error) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler for packet kind %q", kind)
	}
	return h, nil
}

// runExec runs an ExecPacket's program with its output on our stdout and
// stderr, which the scheduler captures in the job's log files.
func runExec(ctx context.Context, payload holder.Holder, _ *packet.Envelope) error {
	p, ok := payload.(*packet.ExecPacket)
	if !ok {
		return fmt.Errorf("exec handler got %T", payload)
	}
	if p.Program == "" {
		return fmt.Errorf("exec packet names no program")
	}
	args, err := p.ExpandArgs()
	if err != nil {
		return err
	}

	for name, out := range p.Outputs {
		if err := os.MkdirAll(filepath.Dir(string(out)), 0o755); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
	}

	cmd := exec.CommandContext(ctx, p.Program, args...) //nolint:gosec
	cmd.Dir = string(p.WorkDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+p.Env[k])
		}
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", p.Program, err)
	}
	return nil
}
