package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

func (m ListDirRequest) appendPayload(b []byte) []byte {
	return appendString(b, 1, m.Path)
}

func (m WriteChunkRequest) appendPayload(b []byte) []byte {
	b = appendString(b, 1, m.Path)
	b = appendUint(b, 2, uint64(m.Seq))
	b = appendUint(b, 3, uint64(m.ChunkSize))
	return appendBytes(b, 4, m.Data)
}

func (m CommitRequest) appendPayload(b []byte) []byte {
	b = appendString(b, 1, m.Path)
	b = appendUint(b, 2, m.Size)
	return appendBytes(b, 3, m.Digest)
}

func (m AbortRequest) appendPayload(b []byte) []byte {
	return appendString(b, 1, m.Path)
}

func (m ReadChunkRequest) appendPayload(b []byte) []byte {
	b = appendString(b, 1, m.Path)
	b = appendUint(b, 2, uint64(m.Seq))
	return appendUint(b, 3, uint64(m.ChunkSize))
}

func (m TaskLoadRequest) appendPayload(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	return appendString(b, 2, m.Path)
}

func (TaskStartRequest) appendPayload(b []byte) []byte  { return b }
func (TaskStopRequest) appendPayload(b []byte) []byte   { return b }
func (TaskUnloadRequest) appendPayload(b []byte) []byte { return b }
func (TaskStatusRequest) appendPayload(b []byte) []byte { return b }
func (Ack) appendPayload(b []byte) []byte               { return b }

func (e DirEntry) appendPayload(b []byte) []byte {
	b = appendString(b, 1, e.Name)
	return appendUint(b, 2, e.Size)
}

func (m DirListing) appendPayload(b []byte) []byte {
	for _, e := range m.Entries {
		// entries are always emitted, even empty ones, to keep positions
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e.appendPayload(nil))
	}
	return b
}

func (m ChunkAck) appendPayload(b []byte) []byte {
	return appendUint(b, 1, uint64(m.Seq))
}

func (m CommitResult) appendPayload(b []byte) []byte {
	b = appendUint(b, 1, m.Size)
	return appendBytes(b, 2, m.Digest)
}

func (m ChunkData) appendPayload(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Seq))
	b = appendBytes(b, 2, m.Data)
	b = appendBool(b, 3, m.EOF)
	b = appendUint(b, 4, m.TotalSize)
	return appendBytes(b, 5, m.Digest)
}

func (m TaskReport) appendPayload(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.State))
	b = appendString(b, 2, m.Name)
	b = appendString(b, 3, m.Path)
	return appendString(b, 4, m.Detail)
}

func (m ErrorResponse) appendPayload(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Kind.Code()))
	return appendString(b, 2, m.Message)
}

// decodeMessage parses payload as the message identified by tag.
func decodeMessage(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagListDir:
		var m ListDirRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Path, err = f.str()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagWriteChunk:
		var m WriteChunkRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Path, err = f.str()
			case 2:
				m.Seq, err = f.uint32()
			case 3:
				m.ChunkSize, err = f.uint32()
			case 4:
				m.Data, err = f.bytes()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagCommit:
		var m CommitRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Path, err = f.str()
			case 2:
				m.Size, err = f.uint64()
			case 3:
				m.Digest, err = f.bytes()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagAbort:
		var m AbortRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Path, err = f.str()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagReadChunk:
		var m ReadChunkRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Path, err = f.str()
			case 2:
				m.Seq, err = f.uint32()
			case 3:
				m.ChunkSize, err = f.uint32()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagTaskLoad:
		var m TaskLoadRequest
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Name, err = f.str()
			case 2:
				m.Path, err = f.str()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagTaskStart:
		return TaskStartRequest{}, expectEmpty(payload)
	case TagTaskStop:
		return TaskStopRequest{}, expectEmpty(payload)
	case TagTaskUnload:
		return TaskUnloadRequest{}, expectEmpty(payload)
	case TagTaskStatus:
		return TaskStatusRequest{}, expectEmpty(payload)
	case TagAck:
		return Ack{}, expectEmpty(payload)
	case TagDirListing:
		var m DirListing
		err := walk(payload, func(f field) error {
			if f.num != 1 {
				return unknownField(f)
			}
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			e, err := decodeDirEntry(raw)
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
			return nil
		})
		return m, err
	case TagChunkAck:
		var m ChunkAck
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Seq, err = f.uint32()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagCommitResult:
		var m CommitResult
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Size, err = f.uint64()
			case 2:
				m.Digest, err = f.bytes()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagChunkData:
		var m ChunkData
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				m.Seq, err = f.uint32()
			case 2:
				m.Data, err = f.bytes()
			case 3:
				m.EOF, err = f.bool()
			case 4:
				m.TotalSize, err = f.uint64()
			case 5:
				m.Digest, err = f.bytes()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagTaskReport:
		var m TaskReport
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				var v uint8
				v, err = f.uint8()
				if err == nil && TaskState(v) > TaskStopped {
					err = fmt.Errorf("unknown task state %d", v)
				}
				m.State = TaskState(v)
			case 2:
				m.Name, err = f.str()
			case 3:
				m.Path, err = f.str()
			case 4:
				m.Detail, err = f.str()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	case TagError:
		var m ErrorResponse
		m.Kind = derrors.Unknown
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				var code uint8
				code, err = f.uint8()
				m.Kind = derrors.KindFromCode(code)
			case 2:
				m.Message, err = f.str()
			default:
				err = unknownField(f)
			}
			return err
		})
		return m, err
	default:
		return nil, fmt.Errorf("unknown message tag 0x%02x", uint8(tag))
	}
}

func decodeDirEntry(b []byte) (DirEntry, error) {
	var e DirEntry
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			e.Name, err = f.str()
		case 2:
			e.Size, err = f.uint64()
		default:
			err = unknownField(f)
		}
		return err
	})
	return e, err
}

func expectEmpty(payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("unexpected %d byte payload", len(payload))
	}
	return nil
}
