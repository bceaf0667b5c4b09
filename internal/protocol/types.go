package protocol

import (
	"fmt"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

// Tag identifies the message carried by a frame.
type Tag uint8

// Request tags.
const (
	TagListDir    Tag = 0x01
	TagWriteChunk Tag = 0x02
	TagCommit     Tag = 0x03
	TagAbort      Tag = 0x04
	TagReadChunk  Tag = 0x05
	TagTaskLoad   Tag = 0x10
	TagTaskStart  Tag = 0x11
	TagTaskStop   Tag = 0x12
	TagTaskUnload Tag = 0x13
	TagTaskStatus Tag = 0x14
)

// Response tags.
const (
	TagDirListing   Tag = 0x81
	TagChunkAck     Tag = 0x82
	TagCommitResult Tag = 0x83
	TagChunkData    Tag = 0x85
	TagTaskReport   Tag = 0x90
	TagAck          Tag = 0xA0
	TagError        Tag = 0xFF
)

func (t Tag) String() string {
	switch t {
	case TagListDir:
		return "list-dir"
	case TagWriteChunk:
		return "write-chunk"
	case TagCommit:
		return "commit"
	case TagAbort:
		return "abort"
	case TagReadChunk:
		return "read-chunk"
	case TagTaskLoad:
		return "task-load"
	case TagTaskStart:
		return "task-start"
	case TagTaskStop:
		return "task-stop"
	case TagTaskUnload:
		return "task-unload"
	case TagTaskStatus:
		return "task-status"
	case TagDirListing:
		return "dir-listing"
	case TagChunkAck:
		return "chunk-ack"
	case TagCommitResult:
		return "commit-result"
	case TagChunkData:
		return "chunk-data"
	case TagTaskReport:
		return "task-report"
	case TagAck:
		return "ack"
	case TagError:
		return "error"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// IsResponse reports whether t is sent by the device.
func (t Tag) IsResponse() bool { return t&0x80 != 0 }

// Message is implemented by every request and response payload.
//
// An empty byte slice or entry list is not distinguished from a nil one on
// the wire; Decode always returns nil for it.
type Message interface {
	Tag() Tag
	appendPayload(b []byte) []byte
}

// TaskState is the device-reported state of the task slot.
type TaskState uint8

const (
	// TaskUnknown means the local view has not been synchronized with the device.
	TaskUnknown TaskState = iota
	TaskUnloaded
	TaskLoaded
	TaskRunning
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskUnloaded:
		return "unloaded"
	case TaskLoaded:
		return "loaded"
	case TaskRunning:
		return "running"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// --- Requests ---

// ListDirRequest lists the entries of a device directory.
type ListDirRequest struct {
	Path string
}

// WriteChunkRequest writes chunk Seq of an upload. The device stores it
// at offset Seq*ChunkSize of the staging file; Seq 0 restarts staging.
type WriteChunkRequest struct {
	Path      string
	Seq       uint32
	ChunkSize uint32
	Data      []byte
}

// CommitRequest finalizes an upload. The device publishes the staged file
// only when its own digest matches Digest.
type CommitRequest struct {
	Path   string
	Size   uint64
	Digest []byte
}

// AbortRequest discards any staged upload for Path.
type AbortRequest struct {
	Path string
}

// ReadChunkRequest reads chunk Seq of a download.
type ReadChunkRequest struct {
	Path      string
	Seq       uint32
	ChunkSize uint32
}

// TaskLoadRequest loads the module at Path into the task slot.
type TaskLoadRequest struct {
	Name string
	Path string
}

type TaskStartRequest struct{}
type TaskStopRequest struct{}
type TaskUnloadRequest struct{}
type TaskStatusRequest struct{}

// --- Responses ---

// DirEntry is one file in a listing.
type DirEntry struct {
	Name string
	Size uint64
}

// DirListing is the ordered content of a directory.
type DirListing struct {
	Entries []DirEntry
}

// ChunkAck acknowledges WriteChunkRequest Seq.
type ChunkAck struct {
	Seq uint32
}

// CommitResult reports what the device received for an upload.
type CommitResult struct {
	Size   uint64
	Digest []byte
}

// ChunkData carries chunk Seq of a download. On the final chunk EOF is
// set and TotalSize/Digest describe the whole file.
type ChunkData struct {
	Seq       uint32
	Data      []byte
	EOF       bool
	TotalSize uint64
	Digest    []byte
}

// TaskReport is the authoritative task slot state.
type TaskReport struct {
	State  TaskState
	Name   string
	Path   string
	Detail string
}

// Ack is an empty success response.
type Ack struct{}

// ErrorResponse is a device-reported failure.
type ErrorResponse struct {
	Kind    derrors.Kind
	Message string
}

// Err converts the response to an error of the reported kind.
func (r ErrorResponse) Err() error {
	kind := r.Kind
	if kind == derrors.Unknown || kind == "" {
		kind = derrors.DeviceError
	}
	return derrors.New(kind, r.Message)
}

func (ListDirRequest) Tag() Tag    { return TagListDir }
func (WriteChunkRequest) Tag() Tag { return TagWriteChunk }
func (CommitRequest) Tag() Tag     { return TagCommit }
func (AbortRequest) Tag() Tag      { return TagAbort }
func (ReadChunkRequest) Tag() Tag  { return TagReadChunk }
func (TaskLoadRequest) Tag() Tag   { return TagTaskLoad }
func (TaskStartRequest) Tag() Tag  { return TagTaskStart }
func (TaskStopRequest) Tag() Tag   { return TagTaskStop }
func (TaskUnloadRequest) Tag() Tag { return TagTaskUnload }
func (TaskStatusRequest) Tag() Tag { return TagTaskStatus }
func (DirListing) Tag() Tag        { return TagDirListing }
func (ChunkAck) Tag() Tag          { return TagChunkAck }
func (CommitResult) Tag() Tag      { return TagCommitResult }
func (ChunkData) Tag() Tag         { return TagChunkData }
func (TaskReport) Tag() Tag        { return TagTaskReport }
func (Ack) Tag() Tag               { return TagAck }
func (ErrorResponse) Tag() Tag     { return TagError }
