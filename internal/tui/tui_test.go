package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/store"
	"github.com/espwasm/wasmctl/internal/task"
	"github.com/espwasm/wasmctl/internal/transfer"
)

func update(m TransferModel, msg tea.Msg) (TransferModel, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(TransferModel), cmd
}

func TestTransferModel(t *testing.T) {
	m := NewTransferModel("uploading main.wasm")
	if m.Percent() != 0 {
		t.Errorf("initial percent = %v", m.Percent())
	}

	m, _ = update(m, progressMsg{done: 1000, total: 2000})
	if m.Percent() != 0.5 {
		t.Errorf("percent = %v, want 0.5", m.Percent())
	}
	view := m.View()
	for _, want := range []string{"uploading main.wasm", "1.0 kB / 2.0 kB", "cancel"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m, cmd := update(m, doneMsg{})
	if cmd == nil {
		t.Error("finished transfer did not quit")
	}
	if !strings.Contains(m.View(), "done") {
		t.Errorf("view after finish:\n%s", m.View())
	}
}

func TestTransferModelUnknownSize(t *testing.T) {
	m := NewTransferModel("downloading")
	m, _ = update(m, progressMsg{done: 512, total: -1})
	if m.Percent() != 0 {
		t.Errorf("percent = %v with unknown size", m.Percent())
	}
	if view := m.View(); !strings.Contains(view, "512 B") || strings.Contains(view, " / ") {
		t.Errorf("view:\n%s", view)
	}
	m, _ = update(m, doneMsg{})
	if m.Percent() != 1 {
		t.Errorf("percent after success = %v", m.Percent())
	}

	m = NewTransferModel("downloading")
	m, _ = update(m, doneMsg{err: errors.New("boom")})
	if !strings.Contains(m.View(), "failed") {
		t.Errorf("view after failure:\n%s", m.View())
	}
}

func TestTransferModelCancel(t *testing.T) {
	m := NewTransferModel("uploading")
	m, cmd := update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if !m.Cancelled() || cmd == nil {
		t.Error("q did not cancel")
	}

	m = NewTransferModel("uploading")
	m, cmd = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	if m.Cancelled() || cmd != nil {
		t.Error("unbound key cancelled")
	}
}

func TestRunTransferNonInteractive(t *testing.T) {
	want := errors.New("transfer failed")
	calls := 0
	err := RunTransfer(context.Background(), io.Discard, false, "x", func(ctx context.Context, report transfer.ProgressFunc) error {
		calls++
		report(1, 2)
		return want
	})
	if err != want || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestListing(t *testing.T) {
	s := DefaultStyles()
	out := s.Listing("/spiffs", []protocol.DirEntry{{Name: "main.wasm", Size: 2048}, {Name: "log.txt", Size: 10}})
	for _, want := range []string{"/spiffs", "main.wasm", "log.txt", "2.0 kB", "2 files"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if out := s.Listing("/spiffs", nil); !strings.Contains(out, "(empty)") {
		t.Errorf("empty listing:\n%s", out)
	}
}

func TestTaskStatusView(t *testing.T) {
	out := DefaultStyles().TaskStatus(task.Status{State: task.Stopped, Name: "wasm_main", Path: "/spiffs/main.wasm", Detail: "stopped by operator"})
	for _, want := range []string{"stopped", "wasm_main", "/spiffs/main.wasm", "stopped by operator"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
	if out := DefaultStyles().TaskStatus(task.Status{State: task.Unloaded}); strings.Contains(out, "task") {
		t.Errorf("unloaded status shows a task:\n%s", out)
	}
}

func TestHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hash := store.ContentHash([]byte("x"))
	out := DefaultStyles().History([]store.IndexEntry{{
		Hash:      hash,
		Size:      1,
		Transfers: 3,
		LastSource: store.Source{
			Direction:  store.Downloaded,
			DevicePath: "/spiffs/x",
			Timestamp:  now.Add(-2 * time.Hour),
		},
	}}, now)
	for _, want := range []string{store.ShortHash(hash), "download", "/spiffs/x", "x3", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
	if out := DefaultStyles().History(nil, now); !strings.Contains(out, "no transfers") {
		t.Errorf("empty history:\n%s", out)
	}
}
