package contract

import "context"

// Filter: 句级门控。判定目标词元是否以动词词性出现。
// 约束：
// 1) 不返回 error——内部失败（含标注器 panic）必须折算为
//    Retained=false + ReasonTaggerError，流程继续；
// 2) 确定性：同一 Sentence 必得同一裁决；
// 3) 纯计算，不做 I/O，无内部并发。
type Filter interface {
	Verdict(ctx context.Context, s Sentence) FilterVerdict
}

// Chunker: 将同一 FileID 的保留序 Sentence 切分为若干 Chunk。
// 约束：
//  1. 仅在同一 FileID 内成块；
//  2. 每块长度 ≤ limit.MaxSentences，除末块外恰为上限；
//  3. 不重排、不丢失；Index 自 0 严格递增；
//  4. 输入违反同文件/Seq 严格升序约束时返回 ErrInvalidInput。
type Chunker interface {
	Make(ctx context.Context, sentences []Sentence, limit ChunkLimit) ([]Chunk, error)
}
