package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/store"
	"github.com/espwasm/wasmctl/internal/task"
	"github.com/espwasm/wasmctl/internal/transfer"
)

// Listing renders a directory listing, one entry per line.
func (s Styles) Listing(dir string, entries []protocol.DirEntry) string {
	var b strings.Builder
	b.WriteString(s.Title.Render(dir) + "\n")
	if len(entries) == 0 {
		b.WriteString(s.Muted.Render("  (empty)") + "\n")
		return b.String()
	}
	width := 0
	for _, e := range entries {
		width = max(width, len(e.Name))
	}
	var total uint64
	for _, e := range entries {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, e.Name, s.Muted.Render(humanize.Bytes(e.Size)))
		total += e.Size
	}
	b.WriteString(s.Muted.Render(fmt.Sprintf("  %d files, %s", len(entries), humanize.Bytes(total))) + "\n")
	return b.String()
}

// TaskStatus renders a task report.
func (s Styles) TaskStatus(st task.Status) string {
	var b strings.Builder
	b.WriteString(s.Label.Render("state") + s.State(st.State).Render(st.State.String()) + "\n")
	if st.Name != "" {
		b.WriteString(s.Label.Render("task") + s.Value.Render(st.Name) + "\n")
	}
	if st.Path != "" {
		b.WriteString(s.Label.Render("module") + s.Value.Render(st.Path) + "\n")
	}
	if st.Detail != "" {
		b.WriteString(s.Label.Render("detail") + s.Muted.Render(st.Detail) + "\n")
	}
	return b.String()
}

// TransferResult renders a completed transfer.
func (s Styles) TransferResult(verb string, r transfer.Result) string {
	return fmt.Sprintf("%s %s %s (%s, %d chunks)\n%s\n",
		s.Success.Render("✓"),
		verb,
		s.Highlight.Render(r.Path),
		humanize.Bytes(uint64(r.Size)),
		r.Chunks,
		s.Muted.Render("  sha256 "+r.DigestHex()),
	)
}

// History renders the transfer ledger, newest first.
func (s Styles) History(entries []store.IndexEntry, now time.Time) string {
	if len(entries) == 0 {
		return s.Muted.Render("no transfers recorded") + "\n"
	}
	var b strings.Builder
	for _, e := range entries {
		src := e.LastSource
		fmt.Fprintf(&b, "%s  %-8s %-24s %8s  %s  %s\n",
			s.Highlight.Render(store.ShortHash(e.Hash)),
			src.Direction,
			src.DevicePath,
			humanize.Bytes(uint64(e.Size)),
			s.Muted.Render(fmt.Sprintf("x%d", e.Transfers)),
			s.Muted.Render(humanize.RelTime(src.Timestamp, now, "ago", "from now")),
		)
	}
	return b.String()
}

// Err renders an error line.
func (s Styles) Err(err error) string {
	return s.Error.Render("error: ") + err.Error()
}
