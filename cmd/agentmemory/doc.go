// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 main 提供 agentmemory 服务端程序入口。

# 概述

cmd/agentmemory 把分层记忆引擎以 HTTP 服务的形式暴露出来，提供
serve、migrate、health 和 version 等子命令。程序加载 YAML 配置，
使用 zap 输出结构化日志，通过 Prometheus 采集指标，并支持配置热重载。

# 核心类型

  - Server      ：主服务器，持有记忆空间、存储、HTTP 与 Metrics 两个端口
  - Middleware  ：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - RateLimiter ：按认证主体（无主体时按 IP）限流，速率可热更新

# 主要能力

  - 子命令：serve（启动服务）、migrate（SQL 存储迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、Metrics、CORS、Authenticate（JWT 或 X-API-Key）、RateLimiter
  - 配置接口仅对管理员开放；未启用认证时只接受回环地址
  - 配置热重载：日志级别、晋升阈值、监控阈值、限流与 LLM 速率即时生效
  - Metrics：metrics_port 为 0 时 /metrics 挂在 API 端口上
  - 优雅关闭：停止热更新与后台任务 → 停止记忆空间 → 关闭存储 → 刷新追踪
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
