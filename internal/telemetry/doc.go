// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 telemetry 提供记忆引擎的 OpenTelemetry 接入。
//
// Providers 通过 OTLP gRPC 导出 span 与指标，支持明文或 TLS 连接；
// 关闭时不连接任何外部服务，Tracer 与 Meter 退回全局或 noop 实现。
// MemoryRecorder 把层级写入、晋升、巩固与转换事件记为 OTel 指标，
// Tee 让它与 Prometheus 采集器同时生效。
package telemetry
