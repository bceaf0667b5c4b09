package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no port", func(c *Config) { c.Target = "192.168.3.59" }},
		{"no host", func(c *Config) { c.Target = ":7070" }},
		{"bad port", func(c *Config) { c.Target = "device:http" }},
		{"port out of range", func(c *Config) { c.Target = "device:70000" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"no retries", func(c *Config) { c.Retries = 0 }},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"huge chunk", func(c *Config) { c.ChunkSize = 1 << 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); !derrors.Is(err, derrors.InvalidArgument) {
				t.Errorf("err = %v, want InvalidArgument", err)
			}
		})
	}

	c := Default()
	c.Target = "localhost:1"
	c.Timeout = time.Millisecond
	if err := c.Validate(); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}
}

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(base, "state"))

	if got, want := ConfigFile(), filepath.Join(base, "config", "wasmctl", "config.json"); got != want {
		t.Errorf("ConfigFile() = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(base, "config")); !os.IsNotExist(err) {
		t.Error("ConfigFile created the config directory")
	}

	dir, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(base, "state", "wasmctl"); dir != want {
		t.Errorf("StateDir() = %q, want %q", dir, want)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("state dir not created: %v", err)
	}
}
