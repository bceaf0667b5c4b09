package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/espwasm/wasmctl/internal/command"
	"github.com/espwasm/wasmctl/internal/config"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/session"
	"github.com/espwasm/wasmctl/internal/store"
	"github.com/espwasm/wasmctl/internal/transfer"
	"github.com/espwasm/wasmctl/internal/tui"
)

// CLI is the root command structure for wasmctl.
type CLI struct {
	Target     string          `short:"t" name:"target-address" default:"${target}" env:"WASMCTL_TARGET" help:"Device address (host:port)"`
	Timeout    time.Duration   `default:"3s" env:"WASMCTL_TIMEOUT" help:"Per-request response timeout"`
	Retries    int             `default:"3" env:"WASMCTL_RETRIES" help:"Attempts per request before giving up"`
	ChunkSize  int             `name:"chunk-size" default:"512" env:"WASMCTL_CHUNK_SIZE" help:"File transfer chunk size in bytes"`
	Verbose    bool            `short:"v" help:"Enable verbose debug output"`
	LogFormat  string          `name:"log-format" default:"console" enum:"console,json" env:"WASMCTL_LOG_FORMAT" help:"Log encoding (console, json)"`
	NoProgress bool            `name:"no-progress" env:"WASMCTL_NO_PROGRESS" help:"Disable the transfer progress display"`
	NoHistory  bool            `name:"no-history" help:"Do not record transfers in the local ledger"`
	StateDir   string          `name:"state-dir" env:"WASMCTL_STATE_DIR" type:"path" help:"Directory for local state (default: XDG state dir)"`
	Config     kong.ConfigFlag `help:"Load flags from a JSON config file"`

	File FileCmd `cmd:"" help:"Device filesystem operations"`
	Task TaskCmd `cmd:"" help:"WASM task lifecycle"`
	Sim  SimCmd  `cmd:"" help:"Device simulator"`

	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

// Vars are the interpolation variables used by the CLI tags.
func Vars() kong.Vars {
	return kong.Vars{
		"target":    config.DefaultTarget,
		"base_path": command.DefaultBasePath,
		"task_name": command.DefaultTaskName,
		"task_file": command.DefaultTaskFile,
	}
}

func (c *CLI) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c *CLI) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

// InitLogging configures the global logger from the flags.
func (c *CLI) InitLogging() error {
	level := "warn"
	if c.Verbose {
		level = "debug"
	}
	return logging.Init(logging.Config{Level: level, Format: c.LogFormat})
}

// SessionConfig builds the session configuration from the flags.
func (c *CLI) SessionConfig() config.Config {
	cfg := config.Default()
	cfg.Target = c.Target
	cfg.Timeout = c.Timeout
	cfg.DialTimeout = c.Timeout
	cfg.Retries = c.Retries
	cfg.ChunkSize = c.ChunkSize
	return cfg
}

// interactive reports whether the progress display should be shown.
func (c *CLI) interactive() bool {
	if c.NoProgress || c.Stderr != nil {
		return false
	}
	return tui.Interactive(os.Stderr)
}

// run executes one command on a fresh session.
func (c *CLI) run(ctx context.Context, cmd command.Command, progress transfer.ProgressFunc) (session.Outcome, error) {
	sess, err := session.New(c.SessionConfig(), session.Options{Progress: progress})
	if err != nil {
		return session.Outcome{}, err
	}
	defer sess.Close()
	logging.Debug("running command",
		logging.String("command", cmd.String()),
		logging.String("session", sess.ID()),
		logging.String("address", c.Target),
	)
	return sess.Run(ctx, cmd)
}

// openStore opens the transfer ledger.
func (c *CLI) openStore() (*store.Store, error) {
	dir := c.StateDir
	if dir == "" {
		var err error
		dir, err = config.StateDir()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(store.DefaultPath(dir))
}

// record adds a finished transfer to the ledger. Failures are logged
// and never fail the command.
func (c *CLI) record(data []byte, src store.Source) {
	if c.NoHistory {
		return
	}
	s, err := c.openStore()
	if err != nil {
		logging.Warn("cannot open transfer ledger", logging.Err(err))
		return
	}
	src.Device = c.Target
	if _, _, err := s.Record(data, src); err != nil {
		logging.Warn("cannot record transfer", logging.Err(err))
	}
}
