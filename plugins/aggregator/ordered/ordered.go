// Package ordered 实现确定性聚合：按块序 1:1 合并块与判定结果，输出保留序记录。
package ordered

import (
	"context"
	"fmt"

	"sensegate/pkg/contract"
)

// Options: 当前无可配置项。
type Options struct{}

type Aggregator struct{}

// New 创建 ordered Aggregator。
func New(_ *Options) *Aggregator { return &Aggregator{} }

var _ contract.Aggregator = (*Aggregator)(nil)

// Aggregate 将 chunks 与 resps 合并为保留序的 LabeledRecord 序列。
// 序列违规返回 ErrSeqInvalid；跨块句子 ID 重复返回 ErrInvariantViolation。
// 输出与判定完成顺序无关：输入已按块序对齐，结果只按保留序展开。
func (a *Aggregator) Aggregate(ctx context.Context, chunks []contract.Chunk, resps []contract.JudgeResponse) ([]contract.LabeledRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(chunks) != len(resps) {
		return nil, fmt.Errorf("ordered: %d chunks vs %d responses: %w", len(chunks), len(resps), contract.ErrSeqInvalid)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	file := chunks[0].File
	seen := make(map[contract.SentenceID]struct{})
	var total int
	for i := range chunks {
		c := &chunks[i]
		r := &resps[i]
		if c.File != file || r.File != file {
			return nil, fmt.Errorf("ordered: mixed file ids at %d: %w", i, contract.ErrSeqInvalid)
		}
		if c.Index != int64(i) || r.Chunk != int64(i) {
			return nil, fmt.Errorf("ordered: misaligned chunk index at %d (chunk=%d resp=%d): %w",
				i, c.Index, r.Chunk, contract.ErrSeqInvalid)
		}
		total += len(c.Sentences)
	}

	out := make([]contract.LabeledRecord, 0, total)
	for i := range chunks {
		c := &chunks[i]
		r := &resps[i]
		for _, s := range c.Sentences {
			if _, dup := seen[s.ID]; dup {
				return nil, fmt.Errorf("ordered: duplicate sentence id %q across chunks: %w", s.ID, contract.ErrInvariantViolation)
			}
			seen[s.ID] = struct{}{}
			out = append(out, label(s, r))
		}
	}
	return out, nil
}

// label: 单句结果判定。每个保留句恰好一条记录。
func label(s contract.Sentence, r *contract.JudgeResponse) contract.LabeledRecord {
	rec := contract.LabeledRecord{
		ID:       s.ID,
		File:     s.File,
		Seq:      s.Seq,
		Lemma:    s.Lemma,
		Register: s.Register,
		Mood:     s.Mood,
		Source:   s.Source,
		Text:     s.Text,
		Attempts: r.Attempts,
	}
	if r.Status == contract.ParseFailed {
		rec.Category = contract.Unresolved
		rec.Reason = r.Reason
		if rec.Reason == "" {
			rec.Reason = contract.ReasonJudgeUnavailable
		}
		return rec
	}
	if cat, ok := r.Verdicts[s.ID]; ok {
		rec.Category = cat
		return rec
	}
	rec.Category = contract.Unresolved
	if reason, ok := r.Invalid[s.ID]; ok {
		rec.Reason = reason
	} else {
		rec.Reason = contract.ReasonMissingEntry
	}
	return rec
}
