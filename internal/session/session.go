// Package session owns one connection to a device and executes operator
// commands over it, one at a time.
package session

import (
	"context"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/espwasm/wasmctl/internal/command"
	"github.com/espwasm/wasmctl/internal/config"
	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/retry"
	"github.com/espwasm/wasmctl/internal/task"
	"github.com/espwasm/wasmctl/internal/transfer"
	"github.com/espwasm/wasmctl/internal/transport"
)

// State is the connection state of the device.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Outcome is the result of a successful command. Exactly one of the
// pointer fields is set, matching the command family.
type Outcome struct {
	Command  string
	Listing  []protocol.DirEntry
	Transfer *transfer.Result
	Task     *task.Status
}

// Options are optional session hooks.
type Options struct {
	// Progress receives transfer progress.
	Progress transfer.ProgressFunc
}

// Session is a device session. All methods are safe for concurrent use;
// commands are serialized.
type Session struct {
	cfg  config.Config
	opts Options
	id   string

	mu     sync.Mutex
	state  State
	conn   *transport.Conn
	client *transport.Client
	ids    protocol.IDSource
	tasks  *task.Controller
}

type callerFunc func(ctx context.Context, req protocol.Message) (protocol.Message, error)

func (f callerFunc) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	return f(ctx, req)
}

// New validates cfg and returns a disconnected session. The connection
// is opened by the first command.
func New(cfg config.Config, opts Options) (*Session, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = cfg.Timeout
	}
	if cfg.BasePath == "" {
		cfg.BasePath = command.DefaultBasePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, opts: opts, id: uuid.NewString()}
	s.tasks = task.NewController(callerFunc(s.call))
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close drops the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect(Disconnected)
	return nil
}

func (s *Session) disconnect(next State) {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.client = nil
	}
	s.state = next
}

// fault tears the connection down and forgets the task state, which
// must be re-read from the device after reconnecting.
func (s *Session) fault() {
	s.disconnect(Faulted)
	s.tasks.Invalidate()
}

func (s *Session) connect(ctx context.Context) error {
	if s.state == Connected && s.conn != nil && s.conn.Err() == nil {
		return nil
	}
	if s.conn != nil {
		// the reader saw the link die
		s.fault()
	}

	s.state = Connecting
	logging.Debug("connecting", logging.String("address", s.cfg.Target), logging.String("session", s.id))
	conn, err := transport.Dial(ctx, s.cfg.Target, s.cfg.DialTimeout)
	if err != nil {
		s.state = Faulted
		return err
	}
	s.conn = conn
	s.client = transport.NewClient(conn, &s.ids, s.cfg.Timeout, retry.Config{MaxAttempts: s.cfg.Retries})
	s.state = Connected
	logging.Info("connected", logging.String("address", conn.RemoteAddr()), logging.String("session", s.id))
	return nil
}

func (s *Session) call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if s.client == nil {
		return nil, derrors.New(derrors.TransportError, "not connected")
	}
	return s.client.Call(ctx, req)
}

// Run validates cmd, connects if needed and executes it. Errors keep
// their kind and gain the command name as context.
func (s *Session) Run(ctx context.Context, cmd command.Command) (Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return Outcome{}, derrors.Wrap(derrors.KindOf(err), cmd.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return Outcome{}, derrors.Wrap(derrors.KindOf(err), cmd.String(), err)
	}

	out, err := s.dispatch(ctx, cmd)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			logging.Warn("command cancelled, dropping connection", logging.String("command", cmd.String()))
			s.fault()
		case s.conn != nil && s.conn.Err() != nil:
			s.fault()
		case derrors.Is(err, derrors.TransportError):
			// the device may or may not have acted on the request
			s.tasks.Invalidate()
		}
		return Outcome{}, derrors.Wrap(derrors.KindOf(err), cmd.String(), err)
	}
	out.Command = cmd.String()
	return out, nil
}

func (s *Session) engine() (*transfer.Engine, error) {
	return transfer.New(callerFunc(s.call), transfer.Options{
		ChunkSize:   s.cfg.ChunkSize,
		AckAttempts: s.cfg.Retries,
		Progress:    s.opts.Progress,
	})
}

func (s *Session) dispatch(ctx context.Context, cmd command.Command) (Outcome, error) {
	switch c := cmd.(type) {
	case command.ListDir:
		e, err := s.engine()
		if err != nil {
			return Outcome{}, err
		}
		dir := c.BasePath
		if dir == "" {
			dir = s.cfg.BasePath
		}
		entries, err := e.ListDir(ctx, path.Clean(dir))
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Listing: entries}, nil

	case command.Upload:
		e, err := s.engine()
		if err != nil {
			return Outcome{}, err
		}
		res, err := e.UploadFile(ctx, c.SourcePath(), s.devicePath(c.FileOptions))
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Transfer: &res}, nil

	case command.Download:
		e, err := s.engine()
		if err != nil {
			return Outcome{}, err
		}
		res, err := e.DownloadFile(ctx, s.devicePath(c.FileOptions), c.OutputPath())
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Transfer: &res}, nil

	case command.Load:
		return taskOutcome(s.tasks.Load(ctx, c.TaskName, c.FilePath))
	case command.Launch:
		return taskOutcome(s.tasks.Launch(ctx, c.TaskName, c.FilePath))
	case command.Start:
		return taskOutcome(s.tasks.Start(ctx))
	case command.Stop:
		return taskOutcome(s.tasks.Stop(ctx))
	case command.Unload:
		return taskOutcome(s.tasks.Unload(ctx))
	case command.Status:
		return taskOutcome(s.tasks.Status(ctx))
	default:
		return Outcome{}, derrors.Newf(derrors.InvalidArgument, "unsupported command %s", cmd)
	}
}

func (s *Session) devicePath(o command.FileOptions) string {
	if o.BasePath == "" {
		o.BasePath = s.cfg.BasePath
	}
	return o.Path()
}

func taskOutcome(st task.Status, err error) (Outcome, error) {
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: &st}, nil
}
