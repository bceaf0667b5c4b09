package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/espwasm/wasmctl/internal/devicesim"
	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/store"
)

func startDevice(t *testing.T) (*devicesim.Device, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dev := devicesim.New(devicesim.NewMemFS("/spiffs"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dev, ln.Addr().String()
}

// execute parses args like the wasmctl binary and runs the selected command.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var c CLI
	parser, err := kong.New(&c,
		kong.Name("wasmctl"),
		Vars(),
		kong.BindTo(context.Background(), (*context.Context)(nil)),
		kong.Exit(func(code int) { t.Fatalf("exit %d", code) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = io.Discard
	err = kctx.Run(&c)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dev, addr := startDevice(t)
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	global := []string{"-t", addr, "--timeout", "200ms", "--state-dir", state}

	module := append([]byte("\x00asm\x01\x00\x00\x00"), bytes.Repeat([]byte{0}, 3000)...)
	src := filepath.Join(dir, "main.wasm")
	if err := os.WriteFile(src, module, 0o644); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		args []string
		want []string
	}{
		{[]string{"file", "upload", "--file-name", "main.wasm", "--source", src}, []string{"uploaded", "/spiffs/main.wasm", "6 chunks"}},
		{[]string{"file", "list-dir"}, []string{"/spiffs", "main.wasm", "1 files"}},
		{[]string{"task", "load"}, []string{"loaded", "wasm_main", "/spiffs/main.wasm"}},
		{[]string{"task", "start"}, []string{"running"}},
		{[]string{"task", "status"}, []string{"running", "wasm_main"}},
		{[]string{"task", "stop"}, []string{"stopped", "stopped by operator"}},
		{[]string{"task", "unload"}, []string{"unloaded"}},
		{[]string{"task", "launch", "--task-name", "blinky"}, []string{"running", "blinky"}},
		{[]string{"file", "download", "--file-name", "main.wasm", "-o", filepath.Join(dir, "copy.wasm")}, []string{"downloaded", "sha256"}},
		{[]string{"file", "history"}, []string{"download", "/spiffs/main.wasm", "x2"}},
	}
	for _, s := range steps {
		out, err := execute(t, append(append([]string(nil), global...), s.args...)...)
		if err != nil {
			t.Fatalf("%v: %v", s.args, err)
		}
		for _, want := range s.want {
			if !strings.Contains(out, want) {
				t.Errorf("%v: output missing %q:\n%s", s.args, want, out)
			}
		}
	}

	got, err := os.ReadFile(filepath.Join(dir, "copy.wasm"))
	if err != nil || !bytes.Equal(got, module) {
		t.Fatalf("downloaded copy differs: %v", err)
	}
	if dev.TaskState() != protocol.TaskRunning {
		t.Errorf("device state = %s", dev.TaskState())
	}

	hash := store.ContentHash(module)
	export := filepath.Join(dir, "exported.wasm")
	out, err := execute(t, append(append([]string(nil), global...),
		"file", "history", "--export", store.ShortHash(hash), "-o", export)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Exported") {
		t.Errorf("export output:\n%s", out)
	}
	if got, _ := os.ReadFile(export); !bytes.Equal(got, module) {
		t.Error("exported content differs")
	}
}

func TestCommandErrors(t *testing.T) {
	_, addr := startDevice(t)
	dir := t.TempDir()
	global := []string{"-t", addr, "--timeout", "200ms", "--state-dir", dir}

	tests := []struct {
		args []string
		kind derrors.Kind
	}{
		{[]string{"task", "start"}, derrors.InvalidState},
		{[]string{"task", "load", "--file-path", "/spiffs/none.wasm"}, derrors.DeviceError},
		{[]string{"task", "load", "--task-name", "has space"}, derrors.InvalidArgument},
		{[]string{"file", "download", "--file-name", "missing", "-o", filepath.Join(dir, "m")}, derrors.DeviceError},
		{[]string{"file", "upload", "--file-name", "x", "--source", filepath.Join(dir, "nope")}, derrors.InvalidArgument},
		{[]string{"--chunk-size", "0", "file", "list-dir"}, derrors.InvalidArgument},
	}
	for _, tt := range tests {
		_, err := execute(t, append(append([]string(nil), global...), tt.args...)...)
		if got := derrors.KindOf(err); got != tt.kind {
			t.Errorf("%v: kind = %s (%v), want %s", tt.args, got, err, tt.kind)
		}
	}

	_, err := execute(t, "-t", "nohost", "task", "status")
	if derrors.KindOf(err).ExitCode() != 2 {
		t.Errorf("bad target: err = %v, want InvalidArgument", err)
	}
}
