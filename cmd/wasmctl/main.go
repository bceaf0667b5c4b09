package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/espwasm/wasmctl/internal/cli"
	"github.com/espwasm/wasmctl/internal/config"
	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/tui"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configPaths []string
	if p := config.ConfigFile(); p != "" {
		configPaths = append(configPaths, p)
	}

	var c cli.CLI
	parser, err := kong.New(&c,
		kong.Name("wasmctl"),
		kong.Description("Manage files and the WASM task on a remote device."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, configPaths...),
		cli.Vars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return derrors.InvalidArgument.ExitCode()
	}

	if err := c.InitLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		return 1
	}
	defer logging.Sync()

	if err := kctx.Run(&c); err != nil {
		fmt.Fprintln(os.Stderr, tui.DefaultStyles().Err(err))
		return derrors.KindOf(err).ExitCode()
	}
	return 0
}
