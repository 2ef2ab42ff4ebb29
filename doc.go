// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 agentmemory 提供面向对话智能体的分层记忆引擎入口。

MemorySpace 组装工作记忆、情景记忆、语义记忆（概念图）与程序记忆，
以及负责层间迁移的转移管理器和阈值评估器：

	space, err := agentmemory.New(config.DefaultMemoryConfig(),
		agentmemory.WithLogger(logger),
		agentmemory.WithStorage(st),
		agentmemory.WithIndex(search.NewMemoryIndex(search.DefaultIndexConfig(), logger)),
		agentmemory.WithExtractor(extract.NewHeuristicExtractor()),
	)
	if err != nil {
		return err
	}
	if err := space.Start(ctx); err != nil {
		return err
	}
	defer space.Close(context.Background())

	unit, err := space.Remember(ctx, "明天上午十点和 Alice 开会", types.Metadata{})

New 注册并激活内置监视器（容量压力、情绪峰值、目标完成、周期清理）。
配置了 Storage 或 Index 时，各层写入同步镜像，失败以 COLLABORATOR 错误返回。
一个 MemorySpace 只应由一个进程持有。
*/
package agentmemory
