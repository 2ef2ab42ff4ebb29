// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 SQL 存储后端提供 GORM 连接与连接池管理。

# 概述

Open 按驱动名（postgres、mysql、sqlite、sqlite3）选择 GORM 方言；
PoolManager 在其上设置池参数，定时探活并把连接数上报给指标采集器，
同时为记忆单元的写入提供带退避重试的事务。

# 核心类型

  - PoolManager：持有 *gorm.DB 与 *sql.DB，提供 Ping、Stats、Close 与事务方法
  - PoolConfig：池大小、连接寿命、探活间隔与重试退避；ForDSN 把内存
    SQLite 固定为单连接
  - StatsRecorder：接收连接数的指标接口

# 主要能力

  - 事务重试：死锁、序列化冲突、锁等待超时、SQLite 忙与断连视为可重试
  - 关闭语义：Close 等待探活协程退出，之后的 Ping 与事务返回 ErrPoolClosed
*/
package database
