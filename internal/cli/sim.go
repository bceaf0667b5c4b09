package cli

import (
	"context"

	"github.com/espwasm/wasmctl/internal/command"
	"github.com/espwasm/wasmctl/internal/devicesim"
)

// --- Simulator Commands ---

type SimCmd struct {
	Serve SimServeCmd `cmd:"" help:"Serve a simulated device for bench work without hardware"`
}

type SimServeCmd struct {
	Listen        string `default:"127.0.0.1:7070" help:"Device protocol listen address"`
	Root          string `type:"path" help:"Host directory backing the device filesystem (default: in memory)"`
	MetricsListen string `name:"metrics-listen" help:"Serve Prometheus metrics at /metrics on this address"`
}

func (c *SimServeCmd) Run(globals *CLI, ctx context.Context) error {
	return devicesim.Run(ctx, devicesim.Options{
		Listen:        c.Listen,
		Root:          c.Root,
		MetricsListen: c.MetricsListen,
		Dirs:          []string{command.DefaultBasePath},
	})
}
