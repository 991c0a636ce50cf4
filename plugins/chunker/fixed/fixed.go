// Package fixed 实现定长切块：除末块外每块恰为上限，保留序不变。
package fixed

import (
	"context"
	"fmt"

	"sensegate/pkg/contract"
)

// Options: 当前无可配置项（块上限由 ChunkLimit 注入）。
type Options struct{}

type Chunker struct{}

// New 创建定长 Chunker。
func New(_ *Options) *Chunker { return &Chunker{} }

var _ contract.Chunker = (*Chunker)(nil)

// Make 将同一 FileID 的保留序句子切分为若干 Chunk。
// 约束校验：同文件、Seq 严格升序；违规返回 ErrInvalidInput。
func (c *Chunker) Make(ctx context.Context, sentences []contract.Sentence, limit contract.ChunkLimit) ([]contract.Chunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if limit.MaxSentences <= 0 {
		return nil, fmt.Errorf("fixed: max_sentences must be positive: %w", contract.ErrInvalidInput)
	}
	if len(sentences) == 0 {
		return nil, nil
	}

	file := sentences[0].File
	prev := sentences[0].Seq
	for i := 1; i < len(sentences); i++ {
		s := sentences[i]
		if s.File != file {
			return nil, fmt.Errorf("fixed: mixed file ids %q vs %q: %w", file, s.File, contract.ErrInvalidInput)
		}
		if s.Seq <= prev {
			return nil, fmt.Errorf("fixed: seq not strictly increasing at %d: %w", i, contract.ErrInvalidInput)
		}
		prev = s.Seq
	}

	k := limit.MaxSentences
	n := (len(sentences) + k - 1) / k
	chunks := make([]contract.Chunk, 0, n)
	for i := 0; i < len(sentences); i += k {
		end := i + k
		if end > len(sentences) {
			end = len(sentences)
		}
		chunks = append(chunks, contract.Chunk{
			File:      file,
			Index:     int64(len(chunks)),
			Sentences: sentences[i:end:end],
		})
	}
	return chunks, nil
}
