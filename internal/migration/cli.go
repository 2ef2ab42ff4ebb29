package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// ErrConfirmationRequired 破坏性命令在未确认时返回
var ErrConfirmationRequired = errors.New("command drops stored memory units; pass --yes to confirm")

// command 一个迁移子命令。arg 为 true 时要求恰好一个整数参数。
type command struct {
	name        string
	usage       string
	arg         bool
	destructive bool
	run         func(c *CLI, ctx context.Context, n int) error
}

var commands = []command{
	{name: "up", usage: "apply all pending migrations", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunUp(ctx)
	}},
	{name: "down", usage: "roll back the last migration", destructive: true, run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunDown(ctx)
	}},
	{name: "down-all", usage: "roll back every migration", destructive: true, run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunDownAll(ctx)
	}},
	{name: "reset", usage: "roll back everything and apply again", destructive: true, run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunReset(ctx)
	}},
	{name: "steps", usage: "apply n migrations, or roll back -n", arg: true, run: func(c *CLI, ctx context.Context, n int) error {
		return c.RunSteps(ctx, n)
	}},
	{name: "goto", usage: "migrate to version v", arg: true, run: func(c *CLI, ctx context.Context, n int) error {
		if n < 0 {
			return fmt.Errorf("goto: version must not be negative")
		}
		return c.RunGoto(ctx, uint(n))
	}},
	{name: "force", usage: "record version v without running it", arg: true, destructive: true, run: func(c *CLI, ctx context.Context, n int) error {
		return c.RunForce(ctx, n)
	}},
	{name: "version", usage: "print the current version", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunVersion(ctx)
	}},
	{name: "status", usage: "list every migration and whether it is applied", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunStatus(ctx)
	}},
	{name: "info", usage: "print a summary", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.RunInfo(ctx)
	}},
}

// Commands 返回 CLI.Run 支持的子命令名
func Commands() []string {
	names := make([]string, len(commands))
	for i, cmd := range commands {
		names[i] = cmd.name
	}
	return names
}

// WriteUsage 输出子命令说明，破坏性命令带 * 标记
func WriteUsage(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cmd := range commands {
		name := cmd.name
		if cmd.arg {
			name += " <n>"
		}
		mark := ""
		if cmd.destructive {
			mark = " *"
		}
		fmt.Fprintf(tw, "  %s\t%s%s\n", name, cmd.usage, mark)
	}
	_ = tw.Flush()
}

// CLI 把子命令映射到 Migrator 调用并输出结果
type CLI struct {
	migrator Migrator
	output   io.Writer
	confirm  bool
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) { c.output = w }

// SetConfirmed 允许执行会删除记忆数据的命令
func (c *CLI) SetConfirmed(ok bool) { c.confirm = ok }

// Run 执行子命令，例如 Run(ctx, "goto", []string{"1"})。
func (c *CLI) Run(ctx context.Context, name string, args []string) error {
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown migrate command %q (want one of %s)", name, strings.Join(Commands(), ", "))
	}

	n := 0
	if cmd.arg {
		if len(args) != 1 {
			return fmt.Errorf("%s requires exactly one numeric argument", name)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", name, args[0])
		}
		n = v
	} else if len(args) > 0 {
		return fmt.Errorf("%s takes no arguments, got %q", name, args)
	}

	// steps 只有回滚方向会删数据
	if (cmd.destructive || (name == "steps" && n < 0)) && !c.confirm {
		return fmt.Errorf("%s: %w", name, ErrConfirmationRequired)
	}
	return cmd.run(c, ctx, n)
}

// RunUp 应用全部未执行的迁移
func (c *CLI) RunUp(ctx context.Context) error {
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.printVersion(ctx, "up")
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.printVersion(ctx, "down")
}

// RunDownAll 回滚全部迁移
func (c *CLI) RunDownAll(ctx context.Context) error {
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Fprintln(c.output, "down-all: schema removed")
	return nil
}

// RunReset 回滚后重新应用
func (c *CLI) RunReset(ctx context.Context) error {
	if err := c.RunDownAll(ctx); err != nil {
		return err
	}
	return c.RunUp(ctx)
}

// RunSteps 正数前进 n 步，负数回滚 -n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return c.printVersion(ctx, fmt.Sprintf("steps %+d", n))
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.printVersion(ctx, "goto")
}

// RunForce 只改写版本记录，用于修复 dirty 状态
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "force: version recorded as %d\n", version)
	return nil
}

// RunVersion 输出当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintln(c.output, formatVersion(version, dirty))
	return nil
}

// RunStatus 逐条列出迁移及其状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "no migrations embedded for this dialect")
		return nil
	}

	tw := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\n%d applied, %d pending\n", info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo 输出汇总
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	tw := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "version:\t%s\n", formatVersion(info.CurrentVersion, info.Dirty))
	fmt.Fprintf(tw, "migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "pending:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}

func (c *CLI) printVersion(ctx context.Context, op string) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(c.output, "%s: %s\n", op, formatVersion(version, dirty))
	return nil
}

func formatVersion(version uint, dirty bool) string {
	if version == 0 {
		return "no migrations applied"
	}
	if dirty {
		return fmt.Sprintf("version %d (dirty)", version)
	}
	return fmt.Sprintf("version %d", version)
}
