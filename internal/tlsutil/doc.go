// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 tlsutil 提供 TLS 设置：HTTPS 监听的加固配置，以及 Redis、MongoDB
// 和 LLM 抽取客户端使用的出站配置（可选私有 CA 与 SNI 覆盖）。
package tlsutil
