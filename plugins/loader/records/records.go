// Package records 将句子记录数据集解析为有序 Sentence 序列。
// 支持两种载荷：JSONL（每行一个对象）与 JSON 数组；键名大小写不敏感。
package records

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"sensegate/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// MaxRecordBytes: 单条记录（JSONL 单行）字节上限；<=0 使用默认 1MiB。
	MaxRecordBytes int `json:"max_record_bytes"`
}

type Loader struct {
	maxRecordBytes int
}

// New 创建 records Loader。
func New(opts *Options) *Loader {
	const defaultMax = 1 << 20
	m := defaultMax
	if opts != nil && opts.MaxRecordBytes > 0 {
		m = opts.MaxRecordBytes
	}
	return &Loader{maxRecordBytes: m}
}

var _ contract.Loader = (*Loader)(nil)

// record: 输入记录形状。sentence/text 与 lemma/target_lemma 互为别名（历史数据两种都有）。
type record struct {
	ID          string `json:"id"`
	Sentence    string `json:"sentence"`
	Text        string `json:"text"`
	Lemma       string `json:"lemma"`
	TargetLemma string `json:"target_lemma"`
	Register    string `json:"register"`
	Mood        string `json:"mood"`
	Source      string `json:"source"`
	CEFRTarget  string `json:"cefr_target"`
}

// Load 解析整文件并分配 Seq（0..n-1）。
// 约束：ID 同文件内唯一（缺省按位置合成）；文本仅做 CRLF→LF 与首尾空白归一。
func (l *Loader) Load(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Sentence, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	br := bufio.NewReader(r)
	// 探测首个非空白字节：'[' 视为 JSON 数组，否则按 JSONL 处理
	head, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil // 空文件：零句子，不报错
		}
		return nil, err
	}

	var recs []record
	if head == '[' {
		recs, err = decodeArray(br)
	} else {
		recs, err = l.decodeLines(ctx, br)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[contract.SentenceID]struct{}, len(recs))
	out := make([]contract.Sentence, 0, len(recs))
	for i, rec := range recs {
		id := contract.SentenceID(strings.TrimSpace(rec.ID))
		if id == "" {
			id = contract.SentenceID(fmt.Sprintf("s%06d", i))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("records: duplicate sentence id %q in %s: %w", id, fileID, contract.ErrInvalidInput)
		}
		seen[id] = struct{}{}

		text := rec.Sentence
		if text == "" {
			text = rec.Text
		}
		lemma := rec.Lemma
		if lemma == "" {
			lemma = rec.TargetLemma
		}
		var meta contract.Meta
		if rec.CEFRTarget != "" {
			meta = contract.Meta{"cefr_target": strings.TrimSpace(rec.CEFRTarget)}
		}
		out = append(out, contract.Sentence{
			ID:       id,
			File:     fileID,
			Seq:      contract.Index(i),
			Text:     normalizeText(text),
			Lemma:    strings.ToLower(strings.TrimSpace(lemma)),
			Register: strings.TrimSpace(rec.Register),
			Mood:     strings.TrimSpace(rec.Mood),
			Source:   strings.TrimSpace(rec.Source),
			Meta:     meta,
		})
	}
	return out, nil
}

// decodeArray: 严格解码 JSON 数组（未知键拒绝）。
func decodeArray(r io.Reader) ([]record, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var recs []record
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("records: array decode: %v: %w", err, contract.ErrInvalidInput)
	}
	return recs, nil
}

// decodeLines: JSONL 逐行严格解码；空行跳过。
func (l *Loader) decodeLines(ctx context.Context, r io.Reader) ([]record, error) {
	sc := bufio.NewScanner(r)
	// Scanner 取初始容量与上限的较大者作为行上限，初始容量不得超过配置值
	bufCap := 64 * 1024
	if l.maxRecordBytes < bufCap {
		bufCap = l.maxRecordBytes
	}
	sc.Buffer(make([]byte, 0, bufCap), l.maxRecordBytes)
	var recs []record
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("records: line %d: %v: %w", line, err, contract.ErrInvalidInput)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("records: line %d exceeds %d bytes: %w", line+1, l.maxRecordBytes, contract.ErrInvalidInput)
		}
		return nil, fmt.Errorf("records: scan: %w", err)
	}
	return recs, nil
}

// normalizeText: CRLF→LF 与首尾空白归一；不做业务性清洗。
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// peekNonSpace 返回首个非空白字节但不消费它。
func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}
