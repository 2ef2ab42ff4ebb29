// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供记忆引擎的 Prometheus 指标。

Collector 同时实现 memory.Recorder、transition.EventRecorder、
extract 的抽取记录接口与 database.StatsRecorder，直接注入各层。
指标按子系统命名为 <namespace>_<subsystem>_<name>：

  - http：requests_total（状态码归为 2xx…5xx）、request_duration_seconds、response_size_bytes
  - memory：stores_total、promotions_total、tier_units、consolidation_group_size
  - transition：events_total、events_dropped_total、monitor_fired_total
  - extraction：requests_total、duration_seconds
  - cache：lookups_total（result=hit|miss）、evictions_total
  - db：connections_open、connections_idle

默认注册到 prometheus.DefaultRegisterer；测试通过 WithRegisterer 使用独立 registry。
*/
package metrics
