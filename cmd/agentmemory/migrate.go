package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/agentmemory/internal/migration"
	"github.com/BaSui01/agentmemory/store"
)

// =============================================================================
// 🗄️ SQL 存储迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令，返回进程退出码
func runMigrate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return 1
	}

	command := args[0]
	switch command {
	case "help", "-h", "--help":
		printMigrateUsage(stdout)
		return 0
	}

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("driver", "", "Database driver (postgres, mysql, sqlite)")
	dsn := fs.String("dsn", "", "Database DSN")
	yes := fs.Bool("yes", false, "Confirm commands that drop stored memory units")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	m, err := createMigrator(*configPath, *driver, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "migrate %s: %v\n", command, err)
		return 1
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := migration.NewCLI(m)
	cli.SetOutput(stdout)
	cli.SetConfirmed(*yes)
	if err := cli.Run(ctx, command, fs.Args()); err != nil {
		fmt.Fprintf(stderr, "migrate %s: %v\n", command, err)
		return 1
	}
	return 0
}

// createMigrator 优先使用 --driver/--dsn，否则从配置读取 SQL 后端
func createMigrator(configPath, driver, dsn string) (*migration.SchemaMigrator, error) {
	if driver != "" && dsn != "" {
		return migration.NewMigratorFromURL(driver, dsn)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Backend != store.BackendSQL {
		return nil, fmt.Errorf("storage backend %q has no migrations (set storage.backend: sql or pass --driver and --dsn)", cfg.Storage.Backend)
	}

	sqlCfg := cfg.Storage.SQL
	if driver != "" {
		sqlCfg.Driver = driver
	}
	if dsn != "" {
		sqlCfg.DSN = dsn
	}
	logger, _ := initLogger(cfg.Log)
	return migration.NewMigratorFromSQLConfig(sqlCfg, logger)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprint(w, `SQL Storage Migration Commands

Usage:
  agentmemory migrate <subcommand> [options] [arg]

Subcommands:
`)
	migration.WriteUsage(w)
	fmt.Fprintln(w, `  help        Show this help message

  * drops stored memory units, requires --yes

Options (before the numeric argument):
  --config <path>   Path to configuration file (YAML)
  --driver <name>   Database driver: postgres, mysql, sqlite
  --dsn <dsn>       Database DSN
  --yes             Confirm destructive subcommands

Examples:
  agentmemory migrate up --config /etc/agentmemory/config.yaml
  agentmemory migrate status --driver sqlite --dsn file:agentmemory.db
  agentmemory migrate down --yes --config config.yaml`)
}
