package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 10
	// MaxFrameSize bounds a whole frame, header included.
	MaxFrameSize = 64 * 1024
	// MaxPayloadSize is the largest payload a frame can carry.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	// MaxChunkSize bounds the data carried by one chunk, leaving room for
	// the other fields of a chunk message.
	MaxChunkSize = 32 * 1024

	// FlagCompressed marks a zlib-compressed payload.
	FlagCompressed uint8 = 0x01

	// payloads at or below this size are never compressed
	compressThreshold = 256
)

// Frame is one decoded protocol message and the request it belongs to.
type Frame struct {
	RequestID uint32
	Message   Message
}

// zlibCompress compresses data using zlib
func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zlibDecompress inflates data, refusing output larger than MaxPayloadSize.
func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", MaxPayloadSize)
	}
	return out, nil
}

// Encode serializes a frame.
// Format:
//
//	bytes 0-3: total frame length including this header (big-endian)
//	bytes 4-7: request id (big-endian)
//	byte  8:   message tag
//	byte  9:   flags (0x01 = zlib payload)
//	bytes 10+: payload, protobuf wire format
func Encode(f Frame) ([]byte, error) {
	if f.Message == nil {
		return nil, derrors.New(derrors.ProtocolError, "frame has no message")
	}
	payload := f.Message.appendPayload(nil)

	var flags uint8
	if len(payload) > compressThreshold {
		compressed, err := zlibCompress(payload)
		if err != nil {
			return nil, derrors.Wrap(derrors.ProtocolError, "failed to compress payload", err)
		}
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	total := HeaderSize + len(payload)
	if total > MaxFrameSize {
		return nil, derrors.Newf(derrors.ProtocolError, "frame of %d bytes exceeds %d", total, MaxFrameSize)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], f.RequestID)
	buf[8] = byte(f.Message.Tag())
	buf[9] = flags
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses one complete frame. Any malformation yields ProtocolError.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, derrors.Newf(derrors.ProtocolError, "frame too short: %d bytes", len(data))
	}
	total := binary.BigEndian.Uint32(data[0:4])
	if int64(total) != int64(len(data)) {
		return Frame{}, derrors.Newf(derrors.ProtocolError, "frame length %d does not match %d bytes received", total, len(data))
	}
	if total > MaxFrameSize {
		return Frame{}, derrors.Newf(derrors.ProtocolError, "frame of %d bytes exceeds %d", total, MaxFrameSize)
	}

	f := Frame{RequestID: binary.BigEndian.Uint32(data[4:8])}
	tag := Tag(data[8])
	flags := data[9]
	if flags&^FlagCompressed != 0 {
		return Frame{}, derrors.Newf(derrors.ProtocolError, "unknown flags 0x%02x", flags)
	}

	payload := data[HeaderSize:]
	if flags&FlagCompressed != 0 {
		inflated, err := zlibDecompress(payload)
		if err != nil {
			return Frame{}, derrors.Wrap(derrors.ProtocolError, "failed to decompress payload", err)
		}
		payload = inflated
	}

	msg, err := decodeMessage(tag, payload)
	if err != nil {
		return Frame{}, derrors.Wrap(derrors.ProtocolError, fmt.Sprintf("bad %s payload", tag), err)
	}
	f.Message = msg
	return f, nil
}

// ReadFrame reads one self-delimited frame from r. A declared length
// outside the valid range is a ProtocolError; read failures are
// returned unchanged so callers can tell a dead link from a bad peer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(hdr[:])
	if total < HeaderSize || total > MaxFrameSize {
		return nil, derrors.Newf(derrors.ProtocolError, "declared frame length %d out of range", total)
	}
	buf := make([]byte, total)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
