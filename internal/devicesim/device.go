// Package devicesim is a simulated device: it speaks the device side of
// the control protocol over a flat filesystem and a single task slot,
// with fault injection for exercising client failure paths.
package devicesim

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/espwasm/wasmctl/internal/command"
	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
)

// StagingSuffix is appended to a path while its upload is in progress.
const StagingSuffix = ".part"

// wasmMagic prefixes every WASM binary module.
var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Faults selects misbehaviour. The zero value is a well-behaved device.
type Faults struct {
	// DropResponses withholds the next n responses.
	DropResponses int
	// Silent withholds every response.
	Silent bool
	// CorruptWrites flips a bit in every chunk written to staging.
	CorruptWrites bool
	// CorruptReads flips a bit in every chunk served to a download.
	CorruptReads bool
	// MisackWrites acknowledges the next n chunks with the wrong sequence number.
	MisackWrites int
}

type slot struct {
	state  protocol.TaskState
	name   string
	path   string
	module []byte
	detail string
}

// Device is the simulated device state. Requests are applied one at a
// time; all connections share the filesystem and task slot.
type Device struct {
	fs      FS
	metrics *Metrics

	mu     sync.Mutex
	faults Faults
	task   slot
	counts map[protocol.Tag]int
}

// New returns a device over fsys with an empty task slot.
func New(fsys FS) *Device {
	d := &Device{
		fs:      fsys,
		metrics: NewMetrics(),
		task:    slot{state: protocol.TaskUnloaded},
		counts:  make(map[protocol.Tag]int),
	}
	d.metrics.recordTaskState(protocol.TaskUnloaded)
	return d
}

// Metrics returns the device collectors.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// SetFaults replaces the active fault configuration.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Count returns how many requests with tag the device has received,
// including those whose response was dropped.
func (d *Device) Count(tag protocol.Tag) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[tag]
}

// TaskState returns the current task slot state.
func (d *Device) TaskState() protocol.TaskState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.task.state
}

// ExitTask ends a running task as if the module returned on its own.
func (d *Device) ExitTask(detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.task.state == protocol.TaskRunning {
		d.setState(protocol.TaskStopped, detail)
	}
}

func (d *Device) setState(s protocol.TaskState, detail string) {
	d.task.state = s
	d.task.detail = detail
	d.metrics.recordTaskState(s)
}

// Handle applies one request and returns the response. ok is false when
// fault injection withholds the response.
func (d *Device) Handle(req protocol.Message) (resp protocol.Message, ok bool) {
	resp, ok = d.handle(req, nil)
	if !ok {
		return nil, false
	}
	return resp, true
}

// handle applies req, or answers it with prev when prev is non-nil. The
// response is returned even when fault injection withholds it.
func (d *Device) handle(req, prev protocol.Message) (resp protocol.Message, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tag := req.Tag()
	d.counts[tag]++
	d.metrics.recordRequest(tag)

	if prev != nil {
		resp = prev
		d.metrics.replayedTotal.Inc()
	} else {
		resp = d.apply(req)
		if e, isErr := resp.(protocol.ErrorResponse); isErr {
			d.metrics.errorsTotal.WithLabelValues(string(e.Kind)).Inc()
		}
	}

	if d.faults.Silent {
		d.metrics.droppedTotal.Inc()
		return resp, false
	}
	if d.faults.DropResponses > 0 {
		d.faults.DropResponses--
		d.metrics.droppedTotal.Inc()
		return resp, false
	}
	return resp, true
}

func deviceErr(kind derrors.Kind, format string, args ...any) protocol.ErrorResponse {
	return protocol.ErrorResponse{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func fsErr(op, name string, err error) protocol.ErrorResponse {
	if errors.Is(err, fs.ErrNotExist) {
		return deviceErr(derrors.DeviceError, "%s %s: no such file or directory", op, name)
	}
	return deviceErr(derrors.DeviceError, "%s %s: %v", op, name, err)
}

func (d *Device) apply(req protocol.Message) protocol.Message {
	switch m := req.(type) {
	case protocol.ListDirRequest:
		return d.listDir(m)
	case protocol.WriteChunkRequest:
		return d.writeChunk(m)
	case protocol.CommitRequest:
		return d.commit(m)
	case protocol.AbortRequest:
		return d.abort(m)
	case protocol.ReadChunkRequest:
		return d.readChunk(m)
	case protocol.TaskLoadRequest:
		return d.load(m)
	case protocol.TaskStartRequest:
		return d.start()
	case protocol.TaskStopRequest:
		return d.stop()
	case protocol.TaskUnloadRequest:
		return d.unload()
	case protocol.TaskStatusRequest:
		return d.report()
	default:
		return deviceErr(derrors.ProtocolError, "unexpected %s message", req.Tag())
	}
}

func validPath(p string) bool {
	return path.IsAbs(p) && path.Clean(p) == p && !strings.HasSuffix(p, StagingSuffix)
}

func (d *Device) listDir(m protocol.ListDirRequest) protocol.Message {
	if !path.IsAbs(m.Path) {
		return deviceErr(derrors.InvalidArgument, "path %q is not absolute", m.Path)
	}
	entries, err := d.fs.ReadDir(path.Clean(m.Path))
	if err != nil {
		return fsErr("list", m.Path, err)
	}
	// uploads in progress are not visible
	visible := entries[:0]
	for _, e := range entries {
		if !strings.HasSuffix(e.Name, StagingSuffix) {
			visible = append(visible, e)
		}
	}
	return protocol.DirListing{Entries: visible}
}

func (d *Device) writeChunk(m protocol.WriteChunkRequest) protocol.Message {
	if !validPath(m.Path) {
		return deviceErr(derrors.InvalidArgument, "invalid path %q", m.Path)
	}
	if m.ChunkSize == 0 || m.ChunkSize > protocol.MaxChunkSize || len(m.Data) > int(m.ChunkSize) {
		return deviceErr(derrors.InvalidArgument, "invalid chunk size %d for %d bytes", m.ChunkSize, len(m.Data))
	}
	off := int64(m.Seq) * int64(m.ChunkSize)
	if off+int64(len(m.Data)) > command.MaxFileSize {
		return deviceErr(derrors.DeviceError, "file exceeds %d bytes", command.MaxFileSize)
	}

	staging := m.Path + StagingSuffix
	var staged []byte
	if m.Seq > 0 {
		var err error
		staged, err = d.fs.ReadFile(staging)
		if err != nil {
			return fsErr("write", m.Path, err)
		}
		if off > int64(len(staged)) {
			return deviceErr(derrors.DeviceError, "chunk %d leaves a gap after %d bytes", m.Seq, len(staged))
		}
		staged = staged[:off]
	}

	data := m.Data
	if d.faults.CorruptWrites && len(data) > 0 {
		data = append([]byte(nil), data...)
		data[0] ^= 0x01
	}
	staged = append(staged, data...)
	if err := d.fs.WriteFile(staging, staged); err != nil {
		return fsErr("write", m.Path, err)
	}
	d.metrics.bytesWritten.Add(float64(len(m.Data)))

	seq := m.Seq
	if d.faults.MisackWrites > 0 {
		d.faults.MisackWrites--
		seq++
	}
	return protocol.ChunkAck{Seq: seq}
}

func (d *Device) commit(m protocol.CommitRequest) protocol.Message {
	if !validPath(m.Path) {
		return deviceErr(derrors.InvalidArgument, "invalid path %q", m.Path)
	}
	staging := m.Path + StagingSuffix
	staged, err := d.fs.ReadFile(staging)
	if errors.Is(err, fs.ErrNotExist) {
		switch {
		case m.Size == 0:
			// empty upload, no chunks were sent
			staged = nil
			if err := d.fs.WriteFile(staging, nil); err != nil {
				return fsErr("commit", m.Path, err)
			}
		default:
			// a resent commit whose first response was lost
			if final, ferr := d.fs.ReadFile(m.Path); ferr == nil {
				sum := sha256.Sum256(final)
				if uint64(len(final)) == m.Size && bytes.Equal(sum[:], m.Digest) {
					return protocol.CommitResult{Size: m.Size, Digest: sum[:]}
				}
			}
			return deviceErr(derrors.DeviceError, "no upload in progress for %s", m.Path)
		}
	} else if err != nil {
		return fsErr("commit", m.Path, err)
	}

	sum := sha256.Sum256(staged)
	result := protocol.CommitResult{Size: uint64(len(staged)), Digest: sum[:]}
	if result.Size != m.Size || !bytes.Equal(sum[:], m.Digest) {
		_ = d.fs.Remove(staging)
		d.metrics.commitsTotal.WithLabelValues("mismatch").Inc()
		logging.Warn("discarding staged upload", logging.String("path", m.Path),
			logging.Int64("size", int64(len(staged))))
		return result
	}
	if err := d.fs.Rename(staging, m.Path); err != nil {
		return fsErr("commit", m.Path, err)
	}
	d.metrics.commitsTotal.WithLabelValues("ok").Inc()
	return result
}

func (d *Device) abort(m protocol.AbortRequest) protocol.Message {
	if !validPath(m.Path) {
		return deviceErr(derrors.InvalidArgument, "invalid path %q", m.Path)
	}
	if err := d.fs.Remove(m.Path + StagingSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsErr("abort", m.Path, err)
	}
	return protocol.Ack{}
}

func (d *Device) readChunk(m protocol.ReadChunkRequest) protocol.Message {
	if !validPath(m.Path) {
		return deviceErr(derrors.InvalidArgument, "invalid path %q", m.Path)
	}
	if m.ChunkSize == 0 || m.ChunkSize > protocol.MaxChunkSize {
		return deviceErr(derrors.InvalidArgument, "invalid chunk size %d", m.ChunkSize)
	}
	data, err := d.fs.ReadFile(m.Path)
	if err != nil {
		return fsErr("read", m.Path, err)
	}
	off := int64(m.Seq) * int64(m.ChunkSize)
	if off > int64(len(data)) || (off == int64(len(data)) && off > 0) {
		return deviceErr(derrors.DeviceError, "chunk %d is past the end of %s", m.Seq, m.Path)
	}
	end := off + int64(m.ChunkSize)
	eof := end >= int64(len(data))
	if eof {
		end = int64(len(data))
	}

	chunk := append([]byte(nil), data[off:end]...)
	if d.faults.CorruptReads && len(chunk) > 0 {
		chunk[0] ^= 0x01
	}
	d.metrics.bytesRead.Add(float64(len(chunk)))

	resp := protocol.ChunkData{Seq: m.Seq, Data: chunk, EOF: eof}
	if eof {
		sum := sha256.Sum256(data)
		resp.TotalSize = uint64(len(data))
		resp.Digest = sum[:]
	}
	return resp
}

func (d *Device) load(m protocol.TaskLoadRequest) protocol.Message {
	if d.task.state != protocol.TaskUnloaded {
		return deviceErr(derrors.InvalidState, "task %s already loaded, unload it first", d.task.name)
	}
	if !validPath(m.Path) {
		return deviceErr(derrors.InvalidArgument, "invalid path %q", m.Path)
	}
	if err := command.ValidateTaskName(m.Name); err != nil {
		return deviceErr(derrors.InvalidArgument, "invalid task name %q", m.Name)
	}
	module, err := d.fs.ReadFile(m.Path)
	if err != nil {
		return fsErr("load", m.Path, err)
	}
	d.task = slot{name: m.Name, path: m.Path, module: module}
	d.setState(protocol.TaskLoaded, fmt.Sprintf("%d bytes", len(module)))
	return d.report()
}

func (d *Device) start() protocol.Message {
	switch d.task.state {
	case protocol.TaskLoaded, protocol.TaskStopped:
	case protocol.TaskRunning:
		return deviceErr(derrors.InvalidState, "task %s already running", d.task.name)
	default:
		return deviceErr(derrors.InvalidState, "no task loaded")
	}
	if !bytes.HasPrefix(d.task.module, wasmMagic) {
		return deviceErr(derrors.DeviceError, "task %s: module parse failed", d.task.name)
	}
	d.setState(protocol.TaskRunning, "")
	return d.report()
}

func (d *Device) stop() protocol.Message {
	switch d.task.state {
	case protocol.TaskRunning:
	case protocol.TaskUnloaded:
		return deviceErr(derrors.InvalidState, "no task loaded")
	default:
		return deviceErr(derrors.InvalidState, "task %s not running", d.task.name)
	}
	d.setState(protocol.TaskStopped, "stopped by operator")
	return d.report()
}

func (d *Device) unload() protocol.Message {
	switch d.task.state {
	case protocol.TaskLoaded, protocol.TaskStopped:
	case protocol.TaskRunning:
		return deviceErr(derrors.InvalidState, "task %s running, stop it before unloading", d.task.name)
	default:
		return deviceErr(derrors.InvalidState, "no task loaded")
	}
	d.task = slot{}
	d.setState(protocol.TaskUnloaded, "")
	return d.report()
}

func (d *Device) report() protocol.TaskReport {
	return protocol.TaskReport{
		State:  d.task.state,
		Name:   d.task.name,
		Path:   d.task.path,
		Detail: d.task.detail,
	}
}
