package contract

import "context"

// LabeledRecord: 最终产出单元——每个保留句恰好一条。
// Category=UNRESOLVED 时 Reason 必填；Attempts 为对应块的实际请求次数。
type LabeledRecord struct {
	ID       SentenceID
	File     FileID
	Seq      Index
	Lemma    string
	Register string
	Mood     string
	Source   string
	Text     string
	Category Category
	Reason   string
	Attempts int
}

// Aggregator: 将块与判定结果按块序 1:1 合并为保留序的 LabeledRecord 序列。
// 约束：
//  1. chunks 与 resps 按 Chunk.Index 对齐（等长、同序、同文件），违规返回 ErrSeqInvalid；
//  2. 跨块句子 ID 重复返回 ErrInvariantViolation；
//  3. 输出顺序 = 保留序（与判定完成顺序无关），确定性；
//  4. 不引入跨文件状态。
type Aggregator interface {
	Aggregate(ctx context.Context, chunks []Chunk, resps []JudgeResponse) ([]LabeledRecord, error)
}
