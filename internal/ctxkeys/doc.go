// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 ctxkeys 定义在 context 中传递请求 ID、追踪 ID、会话 ID 与认证主体的键。
package ctxkeys
