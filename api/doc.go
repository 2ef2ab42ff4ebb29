// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 api 描述 agentmemory 的 HTTP API，处理器实现位于 api/handlers。
//
// # 端点
//
//	POST   /api/v1/memory/{tier}              写入记忆单元
//	GET    /api/v1/memory/{tier}?q=&tag=&limit= 查询记忆单元
//	GET    /api/v1/memory/{tier}/{id}         读取单元
//	DELETE /api/v1/memory/{tier}/{id}         删除单元
//	POST   /api/v1/memory/working/{id}/promote 手动晋升
//	POST   /api/v1/memory/cleanup             清理全部层
//	GET    /api/v1/memory/search?q=&limit=    全文检索
//	GET    /api/v1/stats                      各层统计
//	POST   /api/v1/turns/{role}               回合结束（user 或 assistant）
//	POST   /api/v1/signals                    外部信号
//	GET    /api/v1/monitors                   监视器列表
//	GET    /api/v1/graph/path?from=&to=       概念最短路径
//	GET    /api/v1/events                     迁移事件 websocket 流
//	GET    /api/v1/config                     脱敏配置
//	POST   /api/v1/config/reload              热重载
//
// {tier} 取值 working、episodic、semantic、procedural。
//
// # 认证
//
// 配置了 auth.jwt_secret 时使用 Bearer JWT，否则配置了 auth.api_keys 时
// 使用 X-API-Key 请求头。健康检查端点不需要认证。
package api
