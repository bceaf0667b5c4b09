// Package transfer moves files between the local filesystem and the
// device in fixed-size chunks and verifies them end to end with SHA-256.
package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/transport"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 512

// defaultAckAttempts bounds resends of a chunk acknowledged with the wrong sequence number.
const defaultAckAttempts = 3

// ProgressFunc is called after every chunk with the bytes moved so far.
// total is -1 while unknown.
type ProgressFunc func(done, total int64)

// Options configure an Engine.
type Options struct {
	ChunkSize   int
	AckAttempts int
	Progress    ProgressFunc
}

// Engine runs file transfers over a Caller.
type Engine struct {
	c           transport.Caller
	chunkSize   int
	ackAttempts int
	progress    ProgressFunc
}

// New returns an Engine issuing requests through c.
func New(c transport.Caller, opts Options) (*Engine, error) {
	cs := opts.ChunkSize
	if cs == 0 {
		cs = DefaultChunkSize
	}
	if cs < 1 || cs > protocol.MaxChunkSize {
		return nil, derrors.Newf(derrors.InvalidArgument, "chunk size %d out of range 1-%d", cs, protocol.MaxChunkSize)
	}
	attempts := opts.AckAttempts
	if attempts < 1 {
		attempts = defaultAckAttempts
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(int64, int64) {}
	}
	return &Engine{c: c, chunkSize: cs, ackAttempts: attempts, progress: progress}, nil
}

// Result describes a completed transfer.
type Result struct {
	Path   string
	Size   int64
	Digest []byte
	Chunks int
}

// DigestHex returns the digest as lowercase hex.
func (r Result) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}

// session tracks one file in flight. It is never reused.
type session struct {
	path      string
	total     int64
	done      int64
	chunkSize int
	sum       hash.Hash
}

func newSession(path string, total int64, chunkSize int) *session {
	return &session{path: path, total: total, chunkSize: chunkSize, sum: sha256.New()}
}

func (s *session) add(p []byte) {
	s.sum.Write(p)
	s.done += int64(len(p))
}

// ListDir returns the entries of dir ordered by name.
func (e *Engine) ListDir(ctx context.Context, dir string) ([]protocol.DirEntry, error) {
	resp, err := e.c.Call(ctx, protocol.ListDirRequest{Path: dir})
	if err != nil {
		return nil, err
	}
	listing, err := transport.Expect[protocol.DirListing](resp)
	if err != nil {
		return nil, err
	}
	if listing.Entries == nil {
		return []protocol.DirEntry{}, nil
	}
	return listing.Entries, nil
}

// Upload sends data to path on the device. When a non-empty upload fails
// short of a digest mismatch an Abort is sent so the device drops its
// staging file.
func (e *Engine) Upload(ctx context.Context, path string, data []byte) (Result, error) {
	s := newSession(path, int64(len(data)), e.chunkSize)
	res, err := e.upload(ctx, s, data)
	if err != nil && len(data) > 0 && !derrors.Is(err, derrors.IntegrityError) {
		e.abort(path)
	}
	return res, err
}

// UploadFile reads a local file and uploads it to path.
func (e *Engine) UploadFile(ctx context.Context, src, path string) (Result, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return Result{}, derrors.Wrap(derrors.InvalidArgument, "cannot read source file", err)
	}
	return e.Upload(ctx, path, data)
}

func (e *Engine) upload(ctx context.Context, s *session, data []byte) (Result, error) {
	e.progress(0, s.total)

	var seq uint32
	for off := 0; off < len(data); off += s.chunkSize {
		end := min(off+s.chunkSize, len(data))
		chunk := data[off:end]
		if err := e.writeChunk(ctx, s, seq, chunk); err != nil {
			return Result{}, err
		}
		s.add(chunk)
		e.progress(s.done, s.total)
		seq++
	}

	digest := s.sum.Sum(nil)
	resp, err := e.c.Call(ctx, protocol.CommitRequest{Path: s.path, Size: uint64(s.total), Digest: digest})
	if err != nil {
		return Result{}, err
	}
	cr, err := transport.Expect[protocol.CommitResult](resp)
	if err != nil {
		return Result{}, err
	}
	if cr.Size != uint64(s.total) || !bytes.Equal(cr.Digest, digest) {
		return Result{}, derrors.Newf(derrors.IntegrityError,
			"device received %d bytes with sha256 %x, sent %d bytes with sha256 %x",
			cr.Size, cr.Digest, s.total, digest)
	}

	logging.Info("upload complete",
		logging.String("path", s.path),
		logging.Int64("size", s.total),
		logging.Int("chunks", int(seq)),
	)
	return Result{Path: s.path, Size: s.total, Digest: digest, Chunks: int(seq)}, nil
}

// writeChunk sends one chunk, resending it while the device acknowledges
// a different sequence number.
func (e *Engine) writeChunk(ctx context.Context, s *session, seq uint32, chunk []byte) error {
	req := protocol.WriteChunkRequest{Path: s.path, Seq: seq, ChunkSize: uint32(s.chunkSize), Data: chunk}
	var got uint32
	for attempt := 1; attempt <= e.ackAttempts; attempt++ {
		resp, err := e.c.Call(ctx, req)
		if err != nil {
			return err
		}
		ack, err := transport.Expect[protocol.ChunkAck](resp)
		if err != nil {
			return err
		}
		if ack.Seq == seq {
			return nil
		}
		got = ack.Seq
		logging.Warn("chunk acknowledged with wrong sequence",
			logging.String("path", s.path),
			logging.Uint32("seq", seq),
			logging.Uint32("acked", ack.Seq),
			logging.Int("attempt", attempt),
		)
	}
	return derrors.Newf(derrors.ProtocolError, "chunk %d of %s acknowledged as %d after %d attempts",
		seq, s.path, got, e.ackAttempts)
}

// abort asks the device to drop staging. Failures are logged only; it
// runs on a fresh context because the caller's may already be done.
func (e *Engine) abort(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultTimeout)
	defer cancel()
	if _, err := e.c.Call(ctx, protocol.AbortRequest{Path: path}); err != nil {
		logging.Debug("abort failed", logging.String("path", path), logging.Err(err))
	}
}

// Download reads path from the device and returns its content.
func (e *Engine) Download(ctx context.Context, path string) ([]byte, Result, error) {
	var buf bytes.Buffer
	res, err := e.download(ctx, path, &buf)
	if err != nil {
		return nil, Result{}, err
	}
	return buf.Bytes(), res, nil
}

// DownloadFile reads path from the device into dst. Data goes to a
// temporary file beside dst that is renamed over it only after the
// digest matches; on failure nothing is left behind.
func (e *Engine) DownloadFile(ctx context.Context, path, dst string) (res Result, err error) {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	res, err = e.download(ctx, path, tmp)
	if err != nil {
		return Result{}, err
	}
	if err = tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return Result{}, fmt.Errorf("failed to rename to %s: %w", dst, err)
	}
	return res, nil
}

func (e *Engine) download(ctx context.Context, path string, w io.Writer) (Result, error) {
	s := newSession(path, -1, e.chunkSize)
	e.progress(0, s.total)

	var seq uint32
	for {
		resp, err := e.c.Call(ctx, protocol.ReadChunkRequest{Path: path, Seq: seq, ChunkSize: uint32(s.chunkSize)})
		if err != nil {
			return Result{}, err
		}
		cd, err := transport.Expect[protocol.ChunkData](resp)
		if err != nil {
			return Result{}, err
		}
		if cd.Seq != seq {
			return Result{}, derrors.Newf(derrors.ProtocolError, "requested chunk %d of %s, got %d", seq, path, cd.Seq)
		}
		if len(cd.Data) > s.chunkSize {
			return Result{}, derrors.Newf(derrors.ProtocolError, "chunk %d of %s has %d bytes, chunk size is %d",
				seq, path, len(cd.Data), s.chunkSize)
		}
		if s.done+int64(len(cd.Data)) > maxDownload {
			return Result{}, derrors.Newf(derrors.ProtocolError, "%s exceeds %d bytes", path, maxDownload)
		}

		if _, err := w.Write(cd.Data); err != nil {
			return Result{}, fmt.Errorf("failed to write chunk %d: %w", seq, err)
		}
		s.add(cd.Data)
		seq++

		if cd.EOF || len(cd.Data) < s.chunkSize {
			if !cd.EOF {
				// the final chunk carries the size and digest to verify against
				return Result{}, derrors.Newf(derrors.ProtocolError,
					"chunk %d of %s ends the file without an end-of-file digest", seq-1, path)
			}
			s.total = int64(cd.TotalSize)
			e.progress(s.done, s.total)
			return e.finishDownload(s, cd, int(seq))
		}
		e.progress(s.done, s.total)
	}
}

// maxDownload guards against a device that never reports EOF.
const maxDownload = 16 << 20

func (e *Engine) finishDownload(s *session, last protocol.ChunkData, chunks int) (Result, error) {
	digest := s.sum.Sum(nil)
	if last.TotalSize != uint64(s.done) {
		return Result{}, derrors.Newf(derrors.IntegrityError, "device reports %d bytes for %s, received %d",
			last.TotalSize, s.path, s.done)
	}
	if !bytes.Equal(last.Digest, digest) {
		return Result{}, derrors.Newf(derrors.IntegrityError, "device reports sha256 %x for %s, received %x",
			last.Digest, s.path, digest)
	}
	logging.Info("download complete",
		logging.String("path", s.path),
		logging.Int64("size", s.done),
		logging.Int("chunks", chunks),
	)
	return Result{Path: s.path, Size: s.done, Digest: digest, Chunks: chunks}, nil
}
