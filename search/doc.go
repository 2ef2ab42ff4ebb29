// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 search 提供记忆单元的全文索引与查询语言。

# 查询语法

查询由 field:value 子句与自由文本词组成，用 AND / OR / NOT 连接，
相邻子句默认按 AND 处理，括号用于分组：

	type:(episodic OR semantic) AND timestamp >= 2025-01-01T00:00:00.000Z AND metadata.location:kitchen

支持的字段：type、id、tag、content、status、associated、metadata.<key>，
以及可比较字段 timestamp、priority、importance、access_count。

# 核心组件

  - Parse：把查询字符串解析为 Node 语法树
  - Builder / FromFilter：由 types.Filter 或链式调用生成查询字符串
  - MemoryIndex：实现 memory.Index 的倒排索引，自由文本按 BM25 打分
*/
package search
