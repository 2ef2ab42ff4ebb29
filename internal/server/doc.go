// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 agentmemory API 与 metrics 服务器的生命周期管理。

Manager 的状态依次为 idle、serving、draining、closed。Shutdown 先进入
draining，使 Ready 返回 ErrDraining，让 /readyz 探针失败；等待
Config.DrainDelay 后再排空 http.Server，最后按注册逆序执行 Hook
（停止记忆空间、关闭存储、导出遥测），错误以 errors.Join 合并返回。

MaxConnections 通过 netutil.LimitListener 限制并发连接；StartTLS 使用
tlsutil.ServerConfig。WaitForShutdown 监听 SIGINT/SIGTERM、ctx 取消与
服务异常退出。
*/
package server
