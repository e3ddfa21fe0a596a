package transfer

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-grid/internal/metrics"
)

const (
	// RemotePathKey carries the destination of an upload.
	RemotePathKey = "x-remote-path"
	// DigestTrailerKey carries the multihash of a download.
	DigestTrailerKey = "x-multihash"

	// DefaultChunkSize is the payload size of one stream message.
	DefaultChunkSize = 256 * 1024
)

// Server serves this daemon's files to peers and accepts files pushed back.
// Remote paths are absolute paths on this daemon; access control is left to
// the deployment.
type Server struct {
	UnimplementedFileTransferServer

	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) chunkSize() int {
	if s.ChunkSize > 0 {
		return s.ChunkSize
	}
	return DefaultChunkSize
}

// Upload writes the streamed file to the path named in the request metadata.
// The file is written next to its destination and renamed into place, so a
// reader never sees a partial file.
func (s *Server) Upload(stream FileTransfer_UploadServer) error {
	start := time.Now()
	md, _ := metadata.FromIncomingContext(stream.Context())
	paths := md.Get(RemotePathKey)
	if len(paths) == 0 || paths[0] == "" {
		return mapErr(ErrMissingPath)
	}
	dest := filepath.FromSlash(paths[0])

	d, err := s.receive(stream, dest)
	s.Metrics.RecordTransfer("upload_in", sizeOf(d), time.Since(start), err)
	if err != nil {
		s.logger().Error("Upload failed", "path", dest, "error", err)
		return mapErr(err)
	}

	sum, err := d.Hex()
	if err != nil {
		return mapErr(err)
	}
	s.logger().Debug("Upload stored", "path", dest, "bytes", d.n, "multihash", sum)
	return stream.SendAndClose(wrapperspb.String(sum))
}

func (s *Server) receive(stream FileTransfer_UploadServer, dest string) (*digest, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".upload-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	d := newDigest()
	w := io.MultiWriter(tmp, d)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			tmp.Close()
			return d, err
		}
		if _, err := w.Write(chunk.GetValue()); err != nil {
			tmp.Close()
			return d, err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return d, err
	}
	if err := tmp.Close(); err != nil {
		return d, err
	}
	return d, os.Rename(tmp.Name(), dest)
}

// Download streams the file at the requested path followed by its multihash
// in the trailer.
func (s *Server) Download(in *wrapperspb.StringValue, stream FileTransfer_DownloadServer) error {
	start := time.Now()
	path := filepath.FromSlash(in.GetValue())
	if path == "" {
		return mapErr(ErrMissingPath)
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return status.Errorf(codes.NotFound, "%s does not exist", path)
	}
	if err != nil {
		return mapErr(err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return status.Errorf(codes.InvalidArgument, "%s is a directory", path)
	}

	d := newDigest()
	buf := make([]byte, s.chunkSize())
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
			if err := stream.Send(wrapperspb.Bytes(buf[:n])); err != nil {
				s.Metrics.RecordTransfer("download_out", d.n, time.Since(start), err)
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			s.Metrics.RecordTransfer("download_out", d.n, time.Since(start), readErr)
			return mapErr(readErr)
		}
	}

	sum, err := d.Hex()
	if err != nil {
		return mapErr(err)
	}
	stream.SetTrailer(metadata.Pairs(DigestTrailerKey, sum))
	s.Metrics.RecordTransfer("download_out", d.n, time.Since(start), nil)
	s.logger().Debug("Download served", "path", path, "bytes", d.n)
	return nil
}

func sizeOf(d *digest) int64 {
	if d == nil {
		return 0
	}
	return d.n
}
