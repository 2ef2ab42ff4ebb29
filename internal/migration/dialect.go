package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/BaSui01/agentmemory/store"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationFiles embed.FS

// DatabaseType SQL 方言，每种方言有自己的一套迁移文件
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

type dialect struct {
	dbType  DatabaseType
	aliases []string
	// wrap 把已打开的连接交给 golang-migrate 对应的数据库驱动
	wrap func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = []dialect{
	{
		dbType:  DatabaseTypePostgres,
		aliases: []string{"postgres", "postgresql", "pg", "pgx"},
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	{
		dbType:  DatabaseTypeMySQL,
		aliases: []string{"mysql", "mariadb"},
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
	{
		// glebarez 与 cgo 驱动生成相同的 SQL，共用 sqlite3 迁移驱动
		dbType:  DatabaseTypeSQLite,
		aliases: []string{"sqlite", "sqlite3"},
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
		},
	},
}

func lookupDialect(dbType DatabaseType) (dialect, error) {
	for _, d := range dialects {
		if d.dbType == dbType {
			return d, nil
		}
	}
	return dialect{}, fmt.Errorf("unsupported database type: %q", dbType)
}

// ParseDatabaseType 把驱动名或别名映射到方言
func ParseDatabaseType(s string) (DatabaseType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, d := range dialects {
		for _, alias := range d.aliases {
			if alias == name {
				return d.dbType, nil
			}
		}
	}
	return "", fmt.Errorf("unsupported database type: %s", s)
}

// GetMigrationsPath 返回方言迁移文件在内嵌文件系统中的目录
func GetMigrationsPath(dbType DatabaseType) string {
	return path.Join("migrations", string(dbType))
}

func openSource(dbType DatabaseType) (source.Driver, error) {
	if _, err := lookupDialect(dbType); err != nil {
		return nil, err
	}
	return iofs.New(migrationFiles, GetMigrationsPath(dbType))
}

// Plan 按版本列出方言内嵌的全部迁移，Applied 与 Dirty 未填
func Plan(dbType DatabaseType) ([]MigrationStatus, error) {
	src, err := openSource(dbType)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var plan []MigrationStatus
	v, err := src.First()
	for err == nil {
		r, name, readErr := src.ReadUp(v)
		if readErr != nil {
			return nil, fmt.Errorf("read migration %d: %w", v, readErr)
		}
		_ = r.Close()
		plan = append(plan, MigrationStatus{Version: v, Name: name})
		v, err = src.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return plan, nil
}

// sqlDriverName 显式要求 sqlite3 时保留 cgo 驱动，其余使用方言默认驱动
func sqlDriverName(driver string, dbType DatabaseType) string {
	if dbType == DatabaseTypeSQLite && strings.EqualFold(strings.TrimSpace(driver), "sqlite3") {
		return "sqlite3"
	}
	return string(dbType)
}

// NewMigratorFromSQLConfig 为 SQL 存储后端创建迁移器
func NewMigratorFromSQLConfig(cfg store.SQLConfig, logger *zap.Logger) (*SchemaMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		Driver:       sqlDriverName(cfg.Driver, dbType),
		DSN:          cfg.DSN,
		Logger:       logger,
	})
}

// NewMigratorFromURL 由命令行传入的驱动名与 DSN 创建迁移器
func NewMigratorFromURL(driver, dsn string) (*SchemaMigrator, error) {
	return NewMigratorFromSQLConfig(store.SQLConfig{Driver: driver, DSN: dsn}, nil)
}
