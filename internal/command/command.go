// Package command is the closed set of operator-issuable commands.
// Commands are plain data; Validate checks them before anything touches
// the network.
package command

import (
	"os"
	"path"
	"strings"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

const (
	// DefaultBasePath is the device filesystem root.
	DefaultBasePath = "/spiffs"
	// DefaultTaskName is the task name the device firmware expects by default.
	DefaultTaskName = "wasm_main"
	// DefaultTaskFile is the default location of the task module on the device.
	DefaultTaskFile = "/spiffs/main.wasm"

	// MaxFileNameLen fits the device's 32 byte name buffer including the terminator.
	MaxFileNameLen = 31
	// MaxTaskNameLen is the device's task name limit.
	MaxTaskNameLen = 16
	// MaxFileSize is the largest file the device will accept.
	MaxFileSize = 100 * 1024
)

// Command is implemented by every command variant.
type Command interface {
	// String returns the operator-facing name, e.g. "file upload".
	String() string
	// Validate reports malformed parameters as InvalidArgument.
	Validate() error
	isCommand()
}

// FileOptions addresses a file on the device.
type FileOptions struct {
	FileName string
	BasePath string
}

// Path joins the base path and file name.
func (o FileOptions) Path() string {
	return path.Join(o.base(), o.FileName)
}

func (o FileOptions) base() string {
	if o.BasePath == "" {
		return DefaultBasePath
	}
	return o.BasePath
}

func (o FileOptions) validate() error {
	if err := ValidateFileName(o.FileName); err != nil {
		return err
	}
	return validateBasePath(o.base())
}

// TaskOptions names a task and the module it loads.
type TaskOptions struct {
	TaskName string
	FilePath string
}

func (o TaskOptions) validate() error {
	if err := ValidateTaskName(o.TaskName); err != nil {
		return err
	}
	if o.FilePath == "" {
		return derrors.New(derrors.InvalidArgument, "file path is required")
	}
	if !path.IsAbs(o.FilePath) {
		return derrors.Newf(derrors.InvalidArgument, "file path %q must be absolute", o.FilePath)
	}
	dir, name := path.Split(path.Clean(o.FilePath))
	if err := ValidateFileName(name); err != nil {
		return err
	}
	return validateBasePath(dir)
}

// ListDir lists a directory on the device.
type ListDir struct {
	BasePath string
}

// Dir returns the directory to list, defaulting to the device root.
func (c ListDir) Dir() string {
	if c.BasePath == "" {
		return DefaultBasePath
	}
	return path.Clean(c.BasePath)
}

func (ListDir) String() string   { return "file list-dir" }
func (c ListDir) Validate() error { return validateBasePath(c.Dir()) }
func (ListDir) isCommand()        {}

// Upload copies a local file to the device. Source defaults to FileName
// in the working directory.
type Upload struct {
	FileOptions
	Source string
}

// SourcePath returns the local file to read.
func (c Upload) SourcePath() string {
	if c.Source != "" {
		return c.Source
	}
	return c.FileName
}

func (Upload) String() string { return "file upload" }
func (c Upload) Validate() error {
	if err := c.FileOptions.validate(); err != nil {
		return err
	}
	info, err := os.Stat(c.SourcePath())
	if err != nil {
		return derrors.Wrap(derrors.InvalidArgument, "cannot read source file", err)
	}
	if info.IsDir() {
		return derrors.Newf(derrors.InvalidArgument, "source %q is a directory", c.SourcePath())
	}
	if info.Size() > MaxFileSize {
		return derrors.Newf(derrors.InvalidArgument, "source %q is %d bytes, device limit is %d", c.SourcePath(), info.Size(), MaxFileSize)
	}
	return nil
}
func (Upload) isCommand() {}

// Download copies a device file to the local filesystem. Output defaults
// to FileName in the working directory.
type Download struct {
	FileOptions
	Output string
}

// OutputPath returns the local destination.
func (c Download) OutputPath() string {
	if c.Output != "" {
		return c.Output
	}
	return c.FileName
}

func (Download) String() string   { return "file download" }
func (c Download) Validate() error { return c.FileOptions.validate() }
func (Download) isCommand()        {}

// Load reads a module from the device filesystem into the task slot.
type Load struct {
	TaskOptions
}

func (Load) String() string   { return "task load" }
func (c Load) Validate() error { return c.TaskOptions.validate() }
func (Load) isCommand()        {}

// Launch loads a module and starts it.
type Launch struct {
	TaskOptions
}

func (Launch) String() string   { return "task launch" }
func (c Launch) Validate() error { return c.TaskOptions.validate() }
func (Launch) isCommand()        {}

// Start runs the loaded task.
type Start struct{}

func (Start) String() string  { return "task start" }
func (Start) Validate() error { return nil }
func (Start) isCommand()      {}

// Stop halts the running task.
type Stop struct{}

func (Stop) String() string  { return "task stop" }
func (Stop) Validate() error { return nil }
func (Stop) isCommand()      {}

// Unload frees the task slot.
type Unload struct{}

func (Unload) String() string  { return "task unload" }
func (Unload) Validate() error { return nil }
func (Unload) isCommand()      {}

// Status queries the device for the task slot state.
type Status struct{}

func (Status) String() string  { return "task status" }
func (Status) Validate() error { return nil }
func (Status) isCommand()      {}

// ValidateFileName checks a bare device file name.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return derrors.New(derrors.InvalidArgument, "file name is required")
	case name == "." || name == "..":
		return derrors.Newf(derrors.InvalidArgument, "invalid file name %q", name)
	case strings.ContainsAny(name, "/\\"):
		return derrors.Newf(derrors.InvalidArgument, "file name %q must not contain path separators", name)
	case strings.ContainsRune(name, 0):
		return derrors.New(derrors.InvalidArgument, "file name contains NUL")
	case len(name) > MaxFileNameLen:
		return derrors.Newf(derrors.InvalidArgument, "file name %q exceeds %d bytes", name, MaxFileNameLen)
	}
	return nil
}

// ValidateTaskName checks that name is a filesystem-safe token.
func ValidateTaskName(name string) error {
	if name == "" {
		return derrors.New(derrors.InvalidArgument, "task name is required")
	}
	if len(name) > MaxTaskNameLen {
		return derrors.Newf(derrors.InvalidArgument, "task name %q exceeds %d bytes", name, MaxTaskNameLen)
	}
	for _, r := range name {
		ok := r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return derrors.Newf(derrors.InvalidArgument, "task name %q contains %q", name, r)
		}
	}
	if name == "." || name == ".." {
		return derrors.Newf(derrors.InvalidArgument, "invalid task name %q", name)
	}
	return nil
}

func validateBasePath(p string) error {
	if !path.IsAbs(p) {
		return derrors.Newf(derrors.InvalidArgument, "base path %q must be absolute", p)
	}
	if strings.ContainsRune(p, 0) {
		return derrors.New(derrors.InvalidArgument, "base path contains NUL")
	}
	return nil
}
