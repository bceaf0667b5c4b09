// Package task drives the device's single task slot through its
// lifecycle: Unloaded -> Loaded -> Running <-> Stopped -> Unloaded.
package task

import (
	"context"
	"fmt"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/transport"
)

// State is the task slot state as reported by the device.
type State = protocol.TaskState

const (
	Unknown  = protocol.TaskUnknown
	Unloaded = protocol.TaskUnloaded
	Loaded   = protocol.TaskLoaded
	Running  = protocol.TaskRunning
	Stopped  = protocol.TaskStopped
)

// Op is a lifecycle operation.
type Op int

const (
	OpLoad Op = iota
	OpStart
	OpStop
	OpUnload
	OpStatus
	OpLaunch
)

// Ops lists every operation.
var Ops = []Op{OpLoad, OpStart, OpStop, OpUnload, OpStatus, OpLaunch}

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpUnload:
		return "unload"
	case OpStatus:
		return "status"
	case OpLaunch:
		return "launch"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Next returns the state op leads to from s. ok is false when the
// transition is not permitted. Status is permitted from every state and
// never changes it.
func Next(s State, op Op) (next State, ok bool) {
	switch op {
	case OpStatus:
		return s, true
	case OpLoad:
		if s == Unloaded {
			return Loaded, true
		}
	case OpLaunch:
		if s == Unloaded {
			return Running, true
		}
	case OpStart:
		if s == Loaded || s == Stopped {
			return Running, true
		}
	case OpStop:
		if s == Running {
			return Stopped, true
		}
	case OpUnload:
		if s == Loaded || s == Stopped {
			return Unloaded, true
		}
	}
	return s, false
}

// Status is the last report received from the device.
type Status struct {
	State  State
	Name   string
	Path   string
	Detail string
}

func (s Status) String() string {
	if s.Name == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s %s (%s)", s.State, s.Name, s.Path)
}

// Controller validates transitions against a cached view of the slot and
// adopts whatever state the device reports back.
type Controller struct {
	c      transport.Caller
	status Status
}

// NewController returns a controller whose cache is Unknown.
func NewController(c transport.Caller) *Controller {
	return &Controller{c: c}
}

// Cached returns the locally cached status.
func (t *Controller) Cached() Status {
	return t.status
}

// Invalidate forgets the cached state so the next transition resyncs.
func (t *Controller) Invalidate() {
	t.status = Status{}
}

// Status queries the device and resynchronizes the cache.
func (t *Controller) Status(ctx context.Context) (Status, error) {
	return t.do(ctx, OpStatus, protocol.TaskStatusRequest{})
}

// Load reads the module at path into the slot under name.
func (t *Controller) Load(ctx context.Context, name, path string) (Status, error) {
	if err := t.check(ctx, OpLoad); err != nil {
		return t.status, err
	}
	return t.do(ctx, OpLoad, protocol.TaskLoadRequest{Name: name, Path: path})
}

// Start runs the loaded task.
func (t *Controller) Start(ctx context.Context) (Status, error) {
	if err := t.check(ctx, OpStart); err != nil {
		return t.status, err
	}
	return t.do(ctx, OpStart, protocol.TaskStartRequest{})
}

// Stop halts the running task.
func (t *Controller) Stop(ctx context.Context) (Status, error) {
	if err := t.check(ctx, OpStop); err != nil {
		return t.status, err
	}
	return t.do(ctx, OpStop, protocol.TaskStopRequest{})
}

// Unload frees the slot.
func (t *Controller) Unload(ctx context.Context) (Status, error) {
	if err := t.check(ctx, OpUnload); err != nil {
		return t.status, err
	}
	return t.do(ctx, OpUnload, protocol.TaskUnloadRequest{})
}

// Launch loads a module and starts it.
func (t *Controller) Launch(ctx context.Context, name, path string) (Status, error) {
	if err := t.check(ctx, OpLaunch); err != nil {
		return t.status, err
	}
	if _, err := t.do(ctx, OpLoad, protocol.TaskLoadRequest{Name: name, Path: path}); err != nil {
		return t.status, err
	}
	return t.do(ctx, OpStart, protocol.TaskStartRequest{})
}

// check rejects op locally when the cached state forbids it. An unknown
// cache is resolved with a Status first.
func (t *Controller) check(ctx context.Context, op Op) error {
	if t.status.State == Unknown {
		logging.Debug("task state unknown, resyncing")
		if _, err := t.Status(ctx); err != nil {
			return err
		}
	}
	if _, ok := Next(t.status.State, op); !ok {
		return derrors.Newf(derrors.InvalidState, "cannot %s task while %s", op, t.status.State)
	}
	return nil
}

func (t *Controller) do(ctx context.Context, op Op, req protocol.Message) (Status, error) {
	prev := t.status
	resp, err := t.c.Call(ctx, req)
	if err != nil {
		if derrors.Is(err, derrors.InvalidState) {
			if transport.Resent(err) {
				if st, ok := t.confirm(ctx, prev, op, req); ok {
					return st, nil
				}
			}
			// the cache disagreed with the device
			t.Invalidate()
		}
		return t.status, err
	}
	report, err := transport.Expect[protocol.TaskReport](resp)
	if err != nil {
		return t.status, err
	}
	t.status = Status{State: report.State, Name: report.Name, Path: report.Path, Detail: report.Detail}
	if prev.State != report.State {
		logging.Info("task state changed",
			logging.Stringer("from", prev.State),
			logging.Stringer("to", report.State),
			logging.String("task", report.Name),
		)
	}
	return t.status, nil
}

// confirm checks whether the device already is where op leads from prev.
// That is the case when an earlier copy of a resent request was applied
// and only its acknowledgment was lost.
func (t *Controller) confirm(ctx context.Context, prev Status, op Op, req protocol.Message) (Status, bool) {
	want, ok := Next(prev.State, op)
	if !ok {
		return Status{}, false
	}
	st, err := t.Status(ctx)
	if err != nil || st.State != want {
		return Status{}, false
	}
	if load, isLoad := req.(protocol.TaskLoadRequest); isLoad && (st.Name != load.Name || st.Path != load.Path) {
		return Status{}, false
	}
	logging.Debug("resent request was already applied",
		logging.Stringer("op", op),
		logging.Stringer("state", st.State),
	)
	return st, true
}
