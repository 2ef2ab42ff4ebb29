// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 config 提供 agentmemory 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，环境变量前缀默认为
// AGENTMEMORY，键名由 env tag 或大写的 yaml tag 拼接而成，例如
// AGENTMEMORY_MEMORY_WORKING_MAX_CAPACITY。Reloader 轮询配置文件，
// 在运行时应用日志级别、晋升阈值与限流等可热更新的字段。
package config
