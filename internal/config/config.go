// Package config holds the typed client configuration and resolves the
// XDG locations of the config file and local state.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/espwasm/wasmctl/internal/command"
	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/protocol"
)

const appName = "wasmctl"

// Defaults.
const (
	DefaultTarget    = "192.168.3.59:7070"
	DefaultTimeout   = 3 * time.Second
	DefaultRetries   = 3
	DefaultChunkSize = 512
)

// Config holds the settings of one device session.
type Config struct {
	Target      string
	Timeout     time.Duration
	DialTimeout time.Duration
	Retries     int
	ChunkSize   int
	BasePath    string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Target:      DefaultTarget,
		Timeout:     DefaultTimeout,
		DialTimeout: DefaultTimeout,
		Retries:     DefaultRetries,
		ChunkSize:   DefaultChunkSize,
		BasePath:    command.DefaultBasePath,
	}
}

// Validate reports unusable settings as InvalidArgument.
func (c Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Target)
	if err != nil {
		return derrors.Wrap(derrors.InvalidArgument, "target address must be host:port", err)
	}
	if host == "" {
		return derrors.Newf(derrors.InvalidArgument, "target address %q has no host", c.Target)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return derrors.Newf(derrors.InvalidArgument, "target address %q has invalid port", c.Target)
	}
	if c.Timeout <= 0 {
		return derrors.Newf(derrors.InvalidArgument, "timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 1 {
		return derrors.Newf(derrors.InvalidArgument, "retries must be at least 1, got %d", c.Retries)
	}
	if c.ChunkSize < 1 || c.ChunkSize > protocol.MaxChunkSize {
		return derrors.Newf(derrors.InvalidArgument, "chunk size must be 1-%d, got %d", protocol.MaxChunkSize, c.ChunkSize)
	}
	return nil
}

// ConfigDir returns the XDG config directory for wasmctl without creating it.
// It falls back to ~/.config/wasmctl when XDG_CONFIG_HOME is unset.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// ConfigFile returns the default JSON config file path, or "" when no
// home directory can be determined.
func ConfigFile() string {
	dir, err := ConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.json")
}

// StateDir returns the XDG state directory for wasmctl, creating it with
// private permissions if missing. It falls back to ~/.local/state/wasmctl.
func StateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
