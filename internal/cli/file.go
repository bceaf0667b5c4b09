package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/espwasm/wasmctl/internal/command"
	"github.com/espwasm/wasmctl/internal/session"
	"github.com/espwasm/wasmctl/internal/store"
	"github.com/espwasm/wasmctl/internal/transfer"
	"github.com/espwasm/wasmctl/internal/tui"
)

// --- File Commands ---

type FileCmd struct {
	ListDir  FileListDirCmd  `cmd:"" name:"list-dir" help:"List a directory on the device"`
	Upload   FileUploadCmd   `cmd:"" help:"Upload a local file to the device"`
	Download FileDownloadCmd `cmd:"" help:"Download a device file"`
	History  FileHistoryCmd  `cmd:"" help:"Show the local transfer ledger"`
}

type FileListDirCmd struct {
	BasePath string `name:"base-path" default:"${base_path}" help:"Directory to list"`
}

func (c *FileListDirCmd) Run(globals *CLI, ctx context.Context) error {
	cmd := command.ListDir{BasePath: c.BasePath}
	out, err := globals.run(ctx, cmd, nil)
	if err != nil {
		return err
	}
	fmt.Fprint(globals.stdout(), tui.DefaultStyles().Listing(cmd.Dir(), out.Listing))
	return nil
}

type FileUploadCmd struct {
	FileName string `name:"file-name" required:"" help:"Name of the file on the device"`
	BasePath string `name:"base-path" default:"${base_path}" help:"Device directory"`
	Source   string `help:"Local file to upload (default: --file-name in the working directory)"`
}

func (c *FileUploadCmd) Run(globals *CLI, ctx context.Context) error {
	cmd := command.Upload{
		FileOptions: command.FileOptions{FileName: c.FileName, BasePath: c.BasePath},
		Source:      c.Source,
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	var out session.Outcome
	title := fmt.Sprintf("uploading %s to %s", filepath.Base(cmd.SourcePath()), cmd.Path())
	err := tui.RunTransfer(ctx, globals.stderr(), globals.interactive(), title,
		func(ctx context.Context, report transfer.ProgressFunc) error {
			var err error
			out, err = globals.run(ctx, cmd, report)
			return err
		})
	if err != nil {
		return err
	}

	fmt.Fprint(globals.stdout(), tui.DefaultStyles().TransferResult("uploaded", *out.Transfer))
	if data, err := os.ReadFile(cmd.SourcePath()); err == nil {
		globals.record(data, store.Source{
			Direction:  store.Uploaded,
			DevicePath: out.Transfer.Path,
			LocalPath:  absPath(cmd.SourcePath()),
			Timestamp:  time.Now(),
		})
	}
	return nil
}

type FileDownloadCmd struct {
	FileName string `name:"file-name" required:"" help:"Name of the file on the device"`
	BasePath string `name:"base-path" default:"${base_path}" help:"Device directory"`
	Output   string `short:"o" help:"Local destination (default: --file-name in the working directory)"`
}

func (c *FileDownloadCmd) Run(globals *CLI, ctx context.Context) error {
	cmd := command.Download{
		FileOptions: command.FileOptions{FileName: c.FileName, BasePath: c.BasePath},
		Output:      c.Output,
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	var out session.Outcome
	title := fmt.Sprintf("downloading %s", cmd.Path())
	err := tui.RunTransfer(ctx, globals.stderr(), globals.interactive(), title,
		func(ctx context.Context, report transfer.ProgressFunc) error {
			var err error
			out, err = globals.run(ctx, cmd, report)
			return err
		})
	if err != nil {
		return err
	}

	fmt.Fprint(globals.stdout(), tui.DefaultStyles().TransferResult("downloaded", *out.Transfer))
	if data, err := os.ReadFile(cmd.OutputPath()); err == nil {
		globals.record(data, store.Source{
			Direction:  store.Downloaded,
			DevicePath: out.Transfer.Path,
			LocalPath:  absPath(cmd.OutputPath()),
			Timestamp:  time.Now(),
		})
	}
	return nil
}

type FileHistoryCmd struct {
	Limit  int    `short:"n" default:"20" help:"Show at most this many files (0 for all)"`
	Export string `help:"Write the content of the file with this hash (full or short) to --output"`
	Output string `short:"o" help:"Destination for --export"`
}

func (c *FileHistoryCmd) Run(globals *CLI) error {
	s, err := globals.openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if c.Export != "" {
		return c.export(globals, s)
	}

	entries, err := s.List()
	if err != nil {
		return fmt.Errorf("failed to list transfers: %w", err)
	}

	if c.Limit > 0 && len(entries) > c.Limit {
		entries = entries[:c.Limit]
	}
	fmt.Fprint(globals.stdout(), tui.DefaultStyles().History(entries, time.Now()))
	return nil
}

func (c *FileHistoryCmd) export(globals *CLI, s *store.Store) error {
	if c.Output == "" {
		return fmt.Errorf("--export requires --output")
	}
	hash, err := s.Resolve(c.Export)
	if err != nil {
		return err
	}
	if err := s.Export(hash, c.Output); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Fprintf(globals.stdout(), "Exported %s to %s\n", store.ShortHash(hash), c.Output)
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
