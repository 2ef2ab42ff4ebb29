// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 提供 SQL 存储后端的 Schema 迁移管理，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的迁移文件通过 embed.FS 内嵌，建立 memory_units 表及其
category、priority、timestamp、expires_at 索引，列定义与
store.MemoryRecord 一致。生产环境关闭 store.SQLConfig.AutoMigrate，
由 `agentmemory migrate up` 管理表结构。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - SchemaMigrator：封装 golang-migrate 实例；ctx 取消时通过
    GracefulStop 在当前迁移结束后停止。
  - Plan：经 iofs 源驱动按版本枚举某方言内嵌的迁移。
  - Config：方言、database/sql 驱动名、DSN、迁移表名与锁超时。
  - CLI：命令行输出层，Run 按子命令表分派。down、down-all、reset、force
    与负数 steps 会删除记忆数据，需先 SetConfirmed(true)，否则返回
    ErrConfirmationRequired。

# 驱动

SQLite 默认使用纯 Go 的 "sqlite" 驱动（glebarez/go-sqlite），与存储层
的 GORM 方言共用同一驱动；驱动名为 sqlite3 时使用 cgo 驱动。
*/
package migration
