// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 types 提供 agentmemory 记忆引擎的共享数据模型。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 store、search、memory、
extract 与 api 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - MemoryUnit       ：记忆单元（working / episodic / semantic / procedural）
  - Metadata         ：通用元数据，按层附带 Working/Episodic/Semantic/Procedural 子结构
  - EpisodicContent  ：情景内容（事件、上下文、情绪、巩固状态）
  - ConceptNode / ConceptRelation：语义概念图的节点与关系
  - Filter           ：跨层检索过滤条件
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Role             ：对话参与者角色

# 主要能力

  - 多态内容编解码：MemoryUnit 的 JSON 编码在 Redis、SQL、Mongo 间往返保持一致
  - 错误工具链：NewValidationError / NewNotFoundError / NewCollaboratorError、
    IsValidation / IsNotFound / IsRetryable
  - 深拷贝：MemoryUnit、Metadata、概念节点均提供 Clone
*/
package types
