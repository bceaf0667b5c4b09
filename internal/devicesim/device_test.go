package devicesim

import (
	"bytes"
	"crypto/sha256"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/protocol"
)

var module = []byte("\x00asm\x01\x00\x00\x00")

func handle(t *testing.T, d *Device, req protocol.Message) protocol.Message {
	t.Helper()
	resp, ok := d.Handle(req)
	if !ok {
		t.Fatalf("%s: response dropped", req.Tag())
	}
	return resp
}

func wantKind(t *testing.T, resp protocol.Message, kind derrors.Kind) {
	t.Helper()
	e, ok := resp.(protocol.ErrorResponse)
	if !ok {
		t.Fatalf("got %s %+v, want %s error", resp.Tag(), resp, kind)
	}
	if e.Kind != kind {
		t.Fatalf("error kind = %s (%s), want %s", e.Kind, e.Message, kind)
	}
}

func upload(t *testing.T, d *Device, path string, data []byte, chunkSize int) protocol.Message {
	t.Helper()
	for seq, off := 0, 0; off < len(data); seq, off = seq+1, off+chunkSize {
		end := min(off+chunkSize, len(data))
		resp := handle(t, d, protocol.WriteChunkRequest{Path: path, Seq: uint32(seq), ChunkSize: uint32(chunkSize), Data: data[off:end]})
		if ack, ok := resp.(protocol.ChunkAck); !ok || ack.Seq != uint32(seq) {
			t.Fatalf("chunk %d: got %+v", seq, resp)
		}
	}
	sum := sha256.Sum256(data)
	return handle(t, d, protocol.CommitRequest{Path: path, Size: uint64(len(data)), Digest: sum[:]})
}

func TestUploadCommit(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	data := bytes.Repeat([]byte("0123456789"), 100)

	// staging is invisible until commit
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a.bin", ChunkSize: 256, Data: data[:256]})
	listing := handle(t, d, protocol.ListDirRequest{Path: "/spiffs"}).(protocol.DirListing)
	if len(listing.Entries) != 0 {
		t.Fatalf("staging visible: %+v", listing.Entries)
	}

	resp := upload(t, d, "/spiffs/a.bin", data, 256)
	cr, ok := resp.(protocol.CommitResult)
	if !ok || cr.Size != uint64(len(data)) {
		t.Fatalf("commit: %+v", resp)
	}

	listing = handle(t, d, protocol.ListDirRequest{Path: "/spiffs"}).(protocol.DirListing)
	if len(listing.Entries) != 1 || listing.Entries[0] != (protocol.DirEntry{Name: "a.bin", Size: 1000}) {
		t.Fatalf("listing = %+v", listing.Entries)
	}
}

func TestCommitMismatchDiscards(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", ChunkSize: 4, Data: []byte("abcd")})
	resp := handle(t, d, protocol.CommitRequest{Path: "/spiffs/a", Size: 4, Digest: make([]byte, 32)})

	cr, ok := resp.(protocol.CommitResult)
	want := sha256.Sum256([]byte("abcd"))
	if !ok || cr.Size != 4 || !bytes.Equal(cr.Digest, want[:]) {
		t.Fatalf("commit: %+v", resp)
	}
	if _, err := d.fs.ReadFile("/spiffs/a"); err == nil {
		t.Error("mismatched upload was committed")
	}
	if _, err := d.fs.ReadFile("/spiffs/a" + StagingSuffix); err == nil {
		t.Error("staging file kept after mismatch")
	}
}

func TestCommitEmptyFile(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	sum := sha256.Sum256(nil)
	resp := handle(t, d, protocol.CommitRequest{Path: "/spiffs/empty", Digest: sum[:]})
	if cr, ok := resp.(protocol.CommitResult); !ok || cr.Size != 0 {
		t.Fatalf("commit: %+v", resp)
	}
	data, err := d.fs.ReadFile("/spiffs/empty")
	if err != nil || len(data) != 0 {
		t.Fatalf("empty file: %q, %v", data, err)
	}
}

func TestCommitResentAfterSuccess(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	data := []byte("payload")
	upload(t, d, "/spiffs/p", data, 4)

	sum := sha256.Sum256(data)
	resp := handle(t, d, protocol.CommitRequest{Path: "/spiffs/p", Size: uint64(len(data)), Digest: sum[:]})
	if _, ok := resp.(protocol.CommitResult); !ok {
		t.Fatalf("resent commit: %+v", resp)
	}

	resp = handle(t, d, protocol.CommitRequest{Path: "/spiffs/p", Size: 3, Digest: sum[:]})
	wantKind(t, resp, derrors.DeviceError)
}

func TestWriteChunkRules(t *testing.T) {
	d := New(NewMemFS("/spiffs"))

	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "spiffs/a", ChunkSize: 4, Data: []byte("x")}), derrors.InvalidArgument)
	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a.part", ChunkSize: 4, Data: []byte("x")}), derrors.InvalidArgument)
	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", ChunkSize: 2, Data: []byte("xyz")}), derrors.InvalidArgument)
	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 1, ChunkSize: 4, Data: []byte("x")}), derrors.DeviceError)
	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "/nodir/a", ChunkSize: 4, Data: []byte("x")}), derrors.DeviceError)

	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 0, ChunkSize: 4, Data: []byte("abcd")})
	wantKind(t, handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 2, ChunkSize: 4, Data: []byte("ijkl")}), derrors.DeviceError)

	// a resent chunk overwrites in place
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 1, ChunkSize: 4, Data: []byte("efgh")})
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 1, ChunkSize: 4, Data: []byte("efgh")})
	staged, _ := d.fs.ReadFile("/spiffs/a" + StagingSuffix)
	if string(staged) != "abcdefgh" {
		t.Errorf("staged = %q", staged)
	}

	// seq 0 restarts the upload
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", Seq: 0, ChunkSize: 4, Data: []byte("zz")})
	staged, _ = d.fs.ReadFile("/spiffs/a" + StagingSuffix)
	if string(staged) != "zz" {
		t.Errorf("staged after restart = %q", staged)
	}
}

func TestWriteChunkSizeLimit(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	const cs = 1024
	chunk := make([]byte, cs)
	for seq := 0; seq < 100; seq++ {
		resp := handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/big", Seq: uint32(seq), ChunkSize: cs, Data: chunk})
		if _, ok := resp.(protocol.ChunkAck); !ok {
			t.Fatalf("chunk %d: %+v", seq, resp)
		}
	}
	resp := handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/big", Seq: 100, ChunkSize: cs, Data: []byte{1}})
	wantKind(t, resp, derrors.DeviceError)
}

func TestAbort(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", ChunkSize: 4, Data: []byte("abcd")})
	if _, ok := handle(t, d, protocol.AbortRequest{Path: "/spiffs/a"}).(protocol.Ack); !ok {
		t.Fatal("abort not acknowledged")
	}
	if _, err := d.fs.ReadFile("/spiffs/a" + StagingSuffix); err == nil {
		t.Error("staging kept after abort")
	}
	// nothing to abort is still fine
	if _, ok := handle(t, d, protocol.AbortRequest{Path: "/spiffs/a"}).(protocol.Ack); !ok {
		t.Fatal("repeated abort not acknowledged")
	}
}

func TestReadChunk(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	data := []byte("0123456789")
	upload(t, d, "/spiffs/f", data, 4)

	var got []byte
	for seq := uint32(0); ; seq++ {
		cd := handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/f", Seq: seq, ChunkSize: 4}).(protocol.ChunkData)
		if cd.Seq != seq {
			t.Fatalf("seq = %d, want %d", cd.Seq, seq)
		}
		got = append(got, cd.Data...)
		if cd.EOF {
			sum := sha256.Sum256(data)
			if cd.TotalSize != 10 || !bytes.Equal(cd.Digest, sum[:]) {
				t.Errorf("eof chunk = %+v", cd)
			}
			break
		}
		if cd.TotalSize != 0 || cd.Digest != nil {
			t.Errorf("non-final chunk carries totals: %+v", cd)
		}
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read %q", got)
	}

	wantKind(t, handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/f", Seq: 3, ChunkSize: 4}), derrors.DeviceError)
	wantKind(t, handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/missing", ChunkSize: 4}), derrors.DeviceError)
	wantKind(t, handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/f", ChunkSize: 0}), derrors.InvalidArgument)
}

func TestReadChunkEmptyFile(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	sum := sha256.Sum256(nil)
	handle(t, d, protocol.CommitRequest{Path: "/spiffs/e", Digest: sum[:]})

	cd := handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/e", ChunkSize: 512}).(protocol.ChunkData)
	if !cd.EOF || len(cd.Data) != 0 || cd.TotalSize != 0 || !bytes.Equal(cd.Digest, sum[:]) {
		t.Errorf("chunk = %+v", cd)
	}
}

func TestTaskLifecycle(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	upload(t, d, "/spiffs/main.wasm", module, 512)
	upload(t, d, "/spiffs/junk.wasm", []byte("not wasm"), 512)

	wantKind(t, handle(t, d, protocol.TaskStartRequest{}), derrors.InvalidState)
	wantKind(t, handle(t, d, protocol.TaskStopRequest{}), derrors.InvalidState)
	wantKind(t, handle(t, d, protocol.TaskUnloadRequest{}), derrors.InvalidState)
	wantKind(t, handle(t, d, protocol.TaskLoadRequest{Name: "wasm_main", Path: "/spiffs/none.wasm"}), derrors.DeviceError)
	wantKind(t, handle(t, d, protocol.TaskLoadRequest{Name: "bad name", Path: "/spiffs/main.wasm"}), derrors.InvalidArgument)

	steps := []struct {
		req  protocol.Message
		want protocol.TaskState
	}{
		{protocol.TaskLoadRequest{Name: "wasm_main", Path: "/spiffs/main.wasm"}, protocol.TaskLoaded},
		{protocol.TaskStartRequest{}, protocol.TaskRunning},
		{protocol.TaskStopRequest{}, protocol.TaskStopped},
		{protocol.TaskStartRequest{}, protocol.TaskRunning},
		{protocol.TaskStopRequest{}, protocol.TaskStopped},
		{protocol.TaskUnloadRequest{}, protocol.TaskUnloaded},
	}
	for _, s := range steps {
		report, ok := handle(t, d, s.req).(protocol.TaskReport)
		if !ok || report.State != s.want {
			t.Fatalf("%s: got %+v, want %s", s.req.Tag(), report, s.want)
		}
	}

	handle(t, d, protocol.TaskLoadRequest{Name: "wasm_main", Path: "/spiffs/main.wasm"})
	wantKind(t, handle(t, d, protocol.TaskLoadRequest{Name: "other", Path: "/spiffs/main.wasm"}), derrors.InvalidState)
	handle(t, d, protocol.TaskStartRequest{})
	wantKind(t, handle(t, d, protocol.TaskUnloadRequest{}), derrors.InvalidState)
	wantKind(t, handle(t, d, protocol.TaskStartRequest{}), derrors.InvalidState)

	d.ExitTask("exited with 0")
	report := handle(t, d, protocol.TaskStatusRequest{}).(protocol.TaskReport)
	if report.State != protocol.TaskStopped || report.Detail != "exited with 0" || report.Name != "wasm_main" {
		t.Errorf("status after exit = %+v", report)
	}
	handle(t, d, protocol.TaskUnloadRequest{})

	// a module that does not parse stays loaded
	handle(t, d, protocol.TaskLoadRequest{Name: "junk", Path: "/spiffs/junk.wasm"})
	wantKind(t, handle(t, d, protocol.TaskStartRequest{}), derrors.DeviceError)
	if s := d.TaskState(); s != protocol.TaskLoaded {
		t.Errorf("state after failed start = %s", s)
	}
}

func TestFaults(t *testing.T) {
	d := New(NewMemFS("/spiffs"))

	d.SetFaults(Faults{DropResponses: 2})
	for i := 0; i < 2; i++ {
		if _, ok := d.Handle(protocol.TaskStatusRequest{}); ok {
			t.Fatalf("response %d not dropped", i)
		}
	}
	if _, ok := d.Handle(protocol.TaskStatusRequest{}); !ok {
		t.Fatal("third response dropped")
	}
	if n := d.Count(protocol.TagTaskStatus); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	d.SetFaults(Faults{MisackWrites: 1})
	ack := handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", ChunkSize: 4, Data: []byte("abcd")}).(protocol.ChunkAck)
	if ack.Seq != 1 {
		t.Errorf("misacked seq = %d, want 1", ack.Seq)
	}
	ack = handle(t, d, protocol.WriteChunkRequest{Path: "/spiffs/a", ChunkSize: 4, Data: []byte("abcd")}).(protocol.ChunkAck)
	if ack.Seq != 0 {
		t.Errorf("seq = %d after misack budget, want 0", ack.Seq)
	}

	d.SetFaults(Faults{CorruptWrites: true})
	resp := upload(t, d, "/spiffs/c", []byte("hello"), 8)
	sent := sha256.Sum256([]byte("hello"))
	if cr := resp.(protocol.CommitResult); bytes.Equal(cr.Digest, sent[:]) {
		t.Error("corrupted write produced the sent digest")
	}

	d.SetFaults(Faults{})
	upload(t, d, "/spiffs/r", []byte("hello"), 8)
	d.SetFaults(Faults{CorruptReads: true})
	cd := handle(t, d, protocol.ReadChunkRequest{Path: "/spiffs/r", ChunkSize: 8}).(protocol.ChunkData)
	if string(cd.Data) == "hello" {
		t.Error("read not corrupted")
	}
	if !bytes.Equal(cd.Digest, sent[:]) {
		t.Error("digest should describe the stored file")
	}
}

func TestMetrics(t *testing.T) {
	d := New(NewMemFS("/spiffs"))
	upload(t, d, "/spiffs/main.wasm", module, 4)
	handle(t, d, protocol.TaskLoadRequest{Name: "wasm_main", Path: "/spiffs/main.wasm"})
	handle(t, d, protocol.TaskStopRequest{})

	srv := httptest.NewServer(d.Metrics().Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, line := range []string{
		`wasmsim_requests_total{tag="write-chunk"} 2`,
		`wasmsim_requests_total{tag="commit"} 1`,
		`wasmsim_commits_total{result="ok"} 1`,
		`wasmsim_chunk_bytes_written_total 8`,
		`wasmsim_error_responses_total{kind="invalid_state"} 1`,
		`wasmsim_task_state 2`,
	} {
		if !strings.Contains(string(body), line+"\n") {
			t.Errorf("metrics missing %q", line)
		}
	}
}

func TestDirFS(t *testing.T) {
	root := t.TempDir()
	fsys, err := NewDirFS(root, "/spiffs")
	if err != nil {
		t.Fatal(err)
	}
	d := New(fsys)
	upload(t, d, "/spiffs/x.txt", []byte("on disk"), 3)

	listing := handle(t, d, protocol.ListDirRequest{Path: "/spiffs"}).(protocol.DirListing)
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "x.txt" || listing.Entries[0].Size != 7 {
		t.Fatalf("listing = %+v", listing.Entries)
	}
	wantKind(t, handle(t, d, protocol.ListDirRequest{Path: "/missing"}), derrors.DeviceError)
	wantKind(t, handle(t, d, protocol.CommitRequest{Path: "/spiffs/none", Size: 1, Digest: make([]byte, 32)}), derrors.DeviceError)
}
