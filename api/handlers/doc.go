// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handlers 提供 agentmemory HTTP API 的请求处理器实现。

# 概述

handlers 包把 MemorySpace 的各层记忆、迁移管理器与配置热重载暴露为
JSON over HTTP 接口。所有 Handler 均遵循标准 net/http 接口，路由使用
Go 1.22 的方法与路径参数模式注册。

# 核心类型

  - MemoryHandler ：记忆写入、查询、删除、晋升、清理、回合与信号、概念路径、事件流
  - ConfigHandler ：脱敏配置查询、热重载与版本历史
  - HealthHandler ：存活、就绪与版本端点；就绪检查并发执行并附带各层容量
  - Response      ：统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo     ：结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码，支持 websocket 升级
  - FuncCheck     ：以函数实现的就绪检查，分关键与非关键（失败只降级）

# 错误映射

  - VALIDATION / INVALID_REQUEST → 400
  - NOT_FOUND                    → 404
  - UNAUTHORIZED                 → 401
  - RATE_LIMITED                 → 429
  - COLLABORATOR                 → 502
  - 其他                         → 500

# 事件流

GET /api/v1/events 升级为 websocket，逐条推送迁移事件的 JSON。
查询参数 type 可重复，只接收指定类型的事件。
*/
package handlers
