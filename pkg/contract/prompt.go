package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/Judge 配对解释。
type Prompt any

// Message: 最小会话消息形状。
// Role 取值约定：system / user / json_schema（后者为结构化输出载体，
// 不支持的客户端应忽略）。
type Message struct {
	Role    string
	Content string
}

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 Chunk 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改业务内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, c Chunk) (Prompt, error)
}
