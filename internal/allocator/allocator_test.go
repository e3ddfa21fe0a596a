package allocator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/packet"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/internal/transfer"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

const daemonAddr = "passthrough:///bufnet"

// startDaemon serves the reply and transfer services of the dispatching
// daemon on one in-memory listener.
func startDaemon(t *testing.T) (*reply.Hub, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	hub := reply.NewHub(daemonAddr)
	srv := grpc.NewServer()
	reply.RegisterReplyServer(srv, hub)
	transfer.RegisterFileTransferServer(srv, &transfer.Server{})
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	return hub, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

type progressLog struct {
	mu   sync.Mutex
	msgs []reply.Message
}

func (p *progressLog) add(m reply.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *progressLog) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Text)
	}
	return out
}

// writePacket prepares payload on the daemon and stores it the way dispatch
// does.
func writePacket(t *testing.T, origin *filetoken.Factory, ch *reply.Channel, kind string, payload holder.Holder, peers map[string]string) string {
	t.Helper()
	require.NoError(t, holder.Prepare(payload, origin))
	env := &packet.Envelope{
		Origin: origin.Self(),
		Peers:  peers,
		Reply:  ch.Descriptor(),
	}
	require.NoError(t, env.SetPayload(kind, payload))
	path := packet.NewPath(tempDir(t), "test")
	require.NoError(t, packet.NewStore().Write(path, env))
	return path
}

func copyPacket(input, output string) *packet.ExecPacket {
	return &packet.ExecPacket{
		Program: "/bin/sh",
		Args:    []string{"-c", `cat "$0" > "$1"`, "{in:spectra}", "{out:result}"},
		Inputs:  map[string]holder.File{"spectra": holder.File(input)},
		Outputs: map[string]holder.File{"result": holder.File(output)},
	}
}

func TestRunOnSharedStorage(t *testing.T) {
	hub, dialer := startDaemon(t)
	shared := tempDir(t)
	input := filepath.Join(shared, "in", "x.mgf")
	output := filepath.Join(shared, "out", "x.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0o755))
	require.NoError(t, os.WriteFile(input, []byte("BEGIN IONS"), 0o644))

	origin, err := filetoken.NewFactory(filetoken.Config{Self: types.DaemonInfo{ID: "main", SharedPath: shared}, StagingRoot: tempDir(t)})
	require.NoError(t, err)
	defer origin.Close()

	progress := &progressLog{}
	ch := hub.Open(progress.add)
	defer ch.Release()
	path := writePacket(t, origin, ch, packet.ExecKind, copyPacket(input, output), nil)

	err = Run(context.Background(), Config{
		Self:        types.DaemonInfo{ID: "node1", SharedPath: shared},
		StagingRoot: tempDir(t),
		DialOptions: []grpc.DialOption{dialer},
	}, path)
	require.NoError(t, err)

	content, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "BEGIN IONS", string(content))
	assert.NoError(t, ch.LastError())
	assert.Equal(t, []string{"request processing started"}, progress.texts())
}

// Without shared storage the input is staged through the transfer service
// and the output is pushed back to the daemon's own path.
func TestRunStagesThroughTransfer(t *testing.T) {
	hub, dialer := startDaemon(t)
	originDir := tempDir(t)
	input := filepath.Join(originDir, "x.mgf")
	output := filepath.Join(originDir, "results", "x.txt")
	require.NoError(t, os.WriteFile(input, []byte("peaks"), 0o644))

	origin, err := filetoken.NewFactory(filetoken.Config{Self: types.DaemonInfo{ID: "main"}, StagingRoot: tempDir(t)})
	require.NoError(t, err)
	defer origin.Close()

	ch := hub.Open(nil)
	defer ch.Release()
	path := writePacket(t, origin, ch, packet.ExecKind, copyPacket(input, output),
		map[string]string{"main": daemonAddr})

	staging := tempDir(t)
	err = Run(context.Background(), Config{
		Self:        types.DaemonInfo{ID: "node1"},
		StagingRoot: staging,
		DialOptions: []grpc.DialOption{dialer},
	}, path)
	require.NoError(t, err)

	content, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "peaks", string(content))
	assert.FileExists(t, filepath.Join(staging, "main", input))
}

func TestRunReportsFailure(t *testing.T) {
	hub, dialer := startDaemon(t)
	shared := tempDir(t)
	origin, err := filetoken.NewFactory(filetoken.Config{Self: types.DaemonInfo{ID: "main", SharedPath: shared}, StagingRoot: tempDir(t)})
	require.NoError(t, err)
	defer origin.Close()

	ch := hub.Open(nil)
	defer ch.Release()
	path := writePacket(t, origin, ch, packet.ExecKind, &packet.ExecPacket{
		Program: "/bin/sh",
		Args:    []string{"-c", "exit 4"},
	}, nil)

	err = Run(context.Background(), Config{
		Self:        types.DaemonInfo{ID: "node1", SharedPath: shared},
		DialOptions: []grpc.DialOption{dialer},
	}, path)
	require.Error(t, err)

	var remote *reply.RemoteError
	require.ErrorAs(t, ch.LastError(), &remote)
	assert.Contains(t, remote.Message, "failed to process work packet")
	assert.Contains(t, remote.Message, "exit status 4")
}

func TestRunMissingInputFails(t *testing.T) {
	hub, dialer := startDaemon(t)
	shared := tempDir(t)
	input := filepath.Join(shared, "x.mgf")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))
	origin, err := filetoken.NewFactory(filetoken.Config{Self: types.DaemonInfo{ID: "main", SharedPath: shared}, StagingRoot: tempDir(t)})
	require.NoError(t, err)
	defer origin.Close()

	ch := hub.Open(nil)
	defer ch.Release()
	path := writePacket(t, origin, ch, packet.ExecKind, copyPacket(input, filepath.Join(shared, "y")), nil)
	require.NoError(t, os.Remove(input))

	err = Run(context.Background(), Config{
		Self:            types.DaemonInfo{ID: "node1", SharedPath: shared},
		FileWaitTimeout: 50 * time.Millisecond,
		DialOptions:     []grpc.DialOption{dialer},
	}, path)
	assert.ErrorIs(t, err, holder.ErrMissingFile)
	assert.Error(t, ch.LastError())
}

func TestRunWaitsForPacket(t *testing.T) {
	path := filepath.Join(tempDir(t), "late.yaml")
	err := Run(context.Background(), Config{
		PacketWait: 30 * time.Millisecond,
		PacketPoll: 5 * time.Millisecond,
	}, path)
	assert.ErrorIs(t, err, ErrPacketMissing)
}

func TestRunCanceledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Config{PacketPoll: 5 * time.Millisecond}, filepath.Join(tempDir(t), "never.yaml"))
	assert.ErrorIs(t, err, context.Canceled)
}

type notePacket struct {
	holder.Base `yaml:",inline"`
	Note        holder.File `yaml:"note"`
}

func (p *notePacket) VisitFiles(w *holder.Walker) { w.File("note", &p.Note) }

func TestRegisteredHandlerRuns(t *testing.T) {
	const kind = "allocator-test-note"
	packet.Register(kind, func() holder.Holder { return &notePacket{} })

	var seen string
	RegisterHandler(kind, func(_ context.Context, payload holder.Holder, env *packet.Envelope) error {
		seen = string(payload.(*notePacket).Note)
		if env.Origin.ID != "main" {
			return errors.New("wrong origin")
		}
		return nil
	})

	hub, dialer := startDaemon(t)
	shared := tempDir(t)
	note := filepath.Join(shared, "note.txt")
	require.NoError(t, os.WriteFile(note, []byte("hi"), 0o644))
	origin, err := filetoken.NewFactory(filetoken.Config{Self: types.DaemonInfo{ID: "main", SharedPath: shared}, StagingRoot: tempDir(t)})
	require.NoError(t, err)
	defer origin.Close()

	ch := hub.Open(nil)
	defer ch.Release()
	path := writePacket(t, origin, ch, kind, &notePacket{Note: holder.File(note)}, nil)

	require.NoError(t, Run(context.Background(), Config{
		Self:        types.DaemonInfo{ID: "node1", SharedPath: shared},
		DialOptions: []grpc.DialOption{dialer},
	}, path))
	assert.Equal(t, note, seen)
}

func TestHandlerForUnknownKind(t *testing.T) {
	_, err := handlerFor("no-such-kind")
	assert.Error(t, err)
}
