package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/espwasm/wasmctl/internal/transfer"
)

// progressMsg reports bytes moved so far.
type progressMsg struct {
	done  int64
	total int64
}

// doneMsg signals the transfer finished.
type doneMsg struct {
	err error
}

// TransferModel renders one transfer with a progress bar.
type TransferModel struct {
	title     string
	progress  progress.Model
	help      help.Model
	keys      KeyMap
	styles    Styles
	done      int64
	total     int64
	finished  bool
	err       error
	cancelled bool
}

// NewTransferModel creates a model for a transfer described by title.
func NewTransferModel(title string) TransferModel {
	return TransferModel{
		title: title,
		progress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		help:   help.New(),
		keys:   DefaultKeyMap(),
		styles: DefaultStyles(),
		total:  -1,
	}
}

// Cancelled reports whether the operator asked to stop.
func (m TransferModel) Cancelled() bool { return m.cancelled }

// Percent returns the completed fraction, 0 while the size is unknown.
func (m TransferModel) Percent() float64 {
	if m.total <= 0 {
		if m.finished && m.err == nil {
			return 1
		}
		return 0
	}
	return float64(m.done) / float64(m.total)
}

func (m TransferModel) Init() tea.Cmd { return nil }

func (m TransferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Cancel) {
			m.cancelled = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.progress.Width = min(max(msg.Width-20, 10), 60)
	case progressMsg:
		m.done = msg.done
		m.total = msg.total
	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m TransferModel) View() string {
	counter := humanize.Bytes(uint64(m.done))
	if m.total >= 0 {
		counter += " / " + humanize.Bytes(uint64(m.total))
	}

	s := m.styles.Title.Render(m.title) + "\n"
	s += m.progress.ViewAs(m.Percent()) + " " + m.styles.Muted.Render(counter) + "\n"
	switch {
	case m.finished && m.err != nil:
		s += m.styles.Error.Render("failed") + "\n"
	case m.finished:
		s += m.styles.Success.Render("done") + "\n"
	case m.cancelled:
		s += m.styles.Warning.Render("cancelling...") + "\n"
	default:
		s += m.styles.Help.Render(m.help.View(m.keys)) + "\n"
	}
	return s
}

// TransferFunc performs a transfer, reporting progress through report.
type TransferFunc func(ctx context.Context, report transfer.ProgressFunc) error

// RunTransfer runs fn while showing a progress bar on out. Pressing the
// cancel key cancels the context passed to fn. When interactive is false
// fn runs without any UI.
func RunTransfer(ctx context.Context, out io.Writer, interactive bool, title string, fn TransferFunc) error {
	if !interactive {
		return fn(ctx, func(int64, int64) {})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewTransferModel(title), tea.WithOutput(out))

	errc := make(chan error, 1)
	go func() {
		err := fn(ctx, func(done, total int64) {
			p.Send(progressMsg{done: done, total: total})
		})
		errc <- err
		p.Send(doneMsg{err: err})
	}()

	final, runErr := p.Run()
	if m, ok := final.(TransferModel); ok && m.Cancelled() {
		cancel()
	}
	err := <-errc
	if err == nil && runErr != nil {
		return fmt.Errorf("progress display: %w", runErr)
	}
	return err
}
