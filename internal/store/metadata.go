package store

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Metadata describes one stored file.
type Metadata struct {
	ContentHash string    `json:"content_hash"`
	Kind        string    `json:"kind"` // "wasm", "text" or "data"
	Size        int       `json:"size"`
	Module      *Module   `json:"module,omitempty"`
	Sources     []Source  `json:"sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Module summarizes a WASM binary.
type Module struct {
	Version  uint32   `json:"version"`
	Sections []string `json:"sections,omitempty"`
	Valid    bool     `json:"valid"`
}

// Direction of a transfer.
const (
	Uploaded   = "upload"
	Downloaded = "download"
)

// Source records one transfer of the file.
type Source struct {
	Direction  string    `json:"direction"`
	Device     string    `json:"device"`
	DevicePath string    `json:"device_path"`
	LocalPath  string    `json:"local_path,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// ExtractMetadata inspects data and fills in what it can recognise.
func ExtractMetadata(data []byte, hash string) *Metadata {
	now := time.Now()
	meta := &Metadata{
		ContentHash: hash,
		Kind:        "data",
		Size:        len(data),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case len(data) >= 8 && bytes.Equal(data[:4], wasmMagic):
		meta.Kind = "wasm"
		meta.Module = parseModule(data)
	case len(data) > 0 && isText(data):
		meta.Kind = "text"
	}
	return meta
}

// isText checks if a byte slice contains only printable ASCII text
func isText(data []byte) bool {
	for _, b := range data {
		if b < 32 && b != 9 && b != 10 && b != 13 || b > 126 {
			return false
		}
	}
	return true
}

// parseModule walks the section headers of a WASM binary. Valid is false
// when a section runs past the end of the data.
func parseModule(data []byte) *Module {
	m := &Module{Version: binary.LittleEndian.Uint32(data[4:8])}
	rest := data[8:]
	for len(rest) > 0 {
		id := rest[0]
		size, n := uleb128(rest[1:])
		if n == 0 || uint64(len(rest)-1-n) < size {
			return m
		}
		m.Sections = append(m.Sections, sectionName(id))
		rest = rest[1+n+int(size):]
	}
	m.Valid = true
	return m
}

func uleb128(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

func sectionName(id byte) string {
	switch id {
	case 0:
		return "custom"
	case 1:
		return "type"
	case 2:
		return "import"
	case 3:
		return "function"
	case 4:
		return "table"
	case 5:
		return "memory"
	case 6:
		return "global"
	case 7:
		return "export"
	case 8:
		return "start"
	case 9:
		return "element"
	case 10:
		return "code"
	case 11:
		return "data"
	case 12:
		return "datacount"
	default:
		return "unknown"
	}
}
