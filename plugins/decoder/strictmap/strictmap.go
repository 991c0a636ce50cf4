// Package strictmap 将判定端原始载荷解码为 JudgeResponse。
// 语义：整载荷失败（不可解析/非对象/重复键不可定位）以 ErrResponseInvalid 上抛并可重试；
// 按条目失败（缺失/重复/非法类别）隔离进 Invalid，不触发重试。
package strictmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"sensegate/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// MaxRawBytes: 载荷字节上限；<=0 使用默认 4MiB。超限视为整载荷失败。
	MaxRawBytes int `json:"max_raw_bytes"`
}

type Decoder struct {
	maxRawBytes int
}

// New 创建 strictmap Decoder。
func New(opts *Options) *Decoder {
	const defaultMax = 4 << 20
	m := defaultMax
	if opts != nil && opts.MaxRawBytes > 0 {
		m = opts.MaxRawBytes
	}
	return &Decoder{maxRawBytes: m}
}

var _ contract.Decoder = (*Decoder)(nil)

// Decode 解析 Raw 为 JudgeResponse。
func (d *Decoder) Decode(ctx context.Context, c contract.Chunk, raw contract.Raw) (contract.JudgeResponse, error) {
	select {
	case <-ctx.Done():
		return contract.JudgeResponse{}, ctx.Err()
	default:
	}
	if len(c.Sentences) == 0 {
		return contract.JudgeResponse{}, fmt.Errorf("strictmap: %w: empty chunk", contract.ErrInvalidInput)
	}
	if len(raw.Text) > d.maxRawBytes {
		return contract.JudgeResponse{}, fmt.Errorf("strictmap: payload %d bytes exceeds cap: %w", len(raw.Text), contract.ErrResponseInvalid)
	}

	body, err := extractObject(raw.Text)
	if err != nil {
		return contract.JudgeResponse{}, err
	}

	// 重复键检测：JSON 对象解码会静默取末值，必须走 token 流。
	entries, dup, badType, err := walkObject(body)
	if err != nil {
		return contract.JudgeResponse{}, err
	}

	verdicts, invalid, extras := contract.ValidateVerdicts(c, entries)
	// 更具体的按条目原因覆盖 missing-entry
	member := make(map[contract.SentenceID]struct{}, len(c.Sentences))
	for _, s := range c.Sentences {
		member[s.ID] = struct{}{}
	}
	for id := range dup {
		if _, ok := member[id]; ok {
			delete(verdicts, id)
			invalid[id] = contract.ReasonDuplicateEntry
		}
	}
	for id := range badType {
		if _, ok := member[id]; ok {
			invalid[id] = contract.ReasonBadCategory
		}
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i] < extras[j] })

	status := contract.ParseSuccess
	if len(invalid) > 0 {
		status = contract.ParsePartial
	}
	return contract.JudgeResponse{
		File:     c.File,
		Chunk:    c.Index,
		Verdicts: verdicts,
		Invalid:  invalid,
		Extras:   extras,
		RawText:  raw.Text,
		Status:   status,
	}, nil
}

// extractObject: 剥离 markdown 栅栏并定位最外层对象文本。
// 找不到对象边界视为整载荷失败。
func extractObject(s string) (string, error) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		// 去掉首行栅栏（可能带语言标注）与末尾栅栏
		if i := strings.IndexByte(t, '\n'); i >= 0 {
			t = t[i+1:]
		} else {
			t = strings.TrimPrefix(t, "```")
		}
		t = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "```"))
	}
	start := strings.IndexByte(t, '{')
	end := strings.LastIndexByte(t, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("strictmap: no JSON object in payload: %w", contract.ErrResponseInvalid)
	}
	return t[start : end+1], nil
}

// walkObject: token 流遍历顶层对象。
// 返回 干净条目、重复键集合、非字符串值键集合；结构违例（非对象/语法错误/嵌套值）→ 整载荷失败。
func walkObject(body string) (entries map[contract.SentenceID]string, dup, badType map[contract.SentenceID]struct{}, err error) {
	dec := json.NewDecoder(strings.NewReader(body))
	tok, terr := dec.Token()
	if terr != nil {
		return nil, nil, nil, fmt.Errorf("strictmap: %v: %w", terr, contract.ErrResponseInvalid)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, nil, fmt.Errorf("strictmap: top-level is not an object: %w", contract.ErrResponseInvalid)
	}

	entries = make(map[contract.SentenceID]string)
	dup = make(map[contract.SentenceID]struct{})
	badType = make(map[contract.SentenceID]struct{})
	seen := make(map[contract.SentenceID]struct{})
	for dec.More() {
		keyTok, terr := dec.Token()
		if terr != nil {
			return nil, nil, nil, fmt.Errorf("strictmap: %v: %w", terr, contract.ErrResponseInvalid)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, nil, fmt.Errorf("strictmap: non-string key: %w", contract.ErrResponseInvalid)
		}
		id := contract.SentenceID(key)

		var val json.RawMessage
		if derr := dec.Decode(&val); derr != nil {
			return nil, nil, nil, fmt.Errorf("strictmap: value for %q: %v: %w", key, derr, contract.ErrResponseInvalid)
		}
		if _, was := seen[id]; was {
			dup[id] = struct{}{}
			delete(entries, id)
			continue
		}
		seen[id] = struct{}{}

		var sv string
		if json.Unmarshal(val, &sv) != nil {
			// 值不是字符串：按条目隔离
			badType[id] = struct{}{}
			continue
		}
		entries[id] = sv
	}
	// 收尾 '}'
	if _, terr := dec.Token(); terr != nil {
		return nil, nil, nil, fmt.Errorf("strictmap: %v: %w", terr, contract.ErrResponseInvalid)
	}
	return entries, dup, badType, nil
}
