package cli

import (
	"context"
	"fmt"

	"github.com/espwasm/wasmctl/internal/command"
	"github.com/espwasm/wasmctl/internal/tui"
)

// --- Task Commands ---

type TaskCmd struct {
	Load   TaskLoadCmd   `cmd:"" help:"Load a WASM module from the device filesystem"`
	Launch TaskLaunchCmd `cmd:"" help:"Load a WASM module and start it"`
	Start  TaskStartCmd  `cmd:"" help:"Start the loaded task"`
	Stop   TaskStopCmd   `cmd:"" help:"Stop the running task"`
	Unload TaskUnloadCmd `cmd:"" help:"Unload the task"`
	Status TaskStatusCmd `cmd:"" help:"Show the task state reported by the device"`
}

// TaskOptions are the flags naming a task and its module.
type TaskOptions struct {
	TaskName string `name:"task-name" default:"${task_name}" help:"Task name"`
	FilePath string `name:"file-path" default:"${task_file}" help:"Module path on the device"`
}

func (o TaskOptions) command() command.TaskOptions {
	return command.TaskOptions{TaskName: o.TaskName, FilePath: o.FilePath}
}

func runTask(ctx context.Context, globals *CLI, cmd command.Command) error {
	out, err := globals.run(ctx, cmd, nil)
	if err != nil {
		return err
	}
	fmt.Fprint(globals.stdout(), tui.DefaultStyles().TaskStatus(*out.Task))
	return nil
}

type TaskLoadCmd struct {
	TaskOptions
}

func (c *TaskLoadCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Load{TaskOptions: c.command()})
}

type TaskLaunchCmd struct {
	TaskOptions
}

func (c *TaskLaunchCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Launch{TaskOptions: c.command()})
}

type TaskStartCmd struct{}

func (c *TaskStartCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Start{})
}

type TaskStopCmd struct{}

func (c *TaskStopCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Stop{})
}

type TaskUnloadCmd struct{}

func (c *TaskUnloadCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Unload{})
}

type TaskStatusCmd struct{}

func (c *TaskStatusCmd) Run(globals *CLI, ctx context.Context) error {
	return runTask(ctx, globals, command.Status{})
}
