// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 extract 实现语义记忆使用的概念抽取器。

  - LLMExtractor：调用 OpenAI 兼容的 chat completions 接口，
    对返回内容做宽松 JSON 解析，缺失字段与残缺条目被跳过而非报错；
    请求经 x/time/rate 限流。
  - HeuristicExtractor：基于正则的离线抽取，识别 "X is a Y"、
    "X causes Y" 等句式及专有名词。
  - Fallback：主抽取器失败或无结果时退回到备用抽取器。

所有实现都满足 memory.Extractor。
*/
package extract
