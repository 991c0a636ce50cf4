package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sensegate/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "": 留空或未知值时，默认使用 "literal_all"。
	//  - "literal_all": 每个 id → "LITERAL" 的严格 JSON 对象（与 strictmap 解码器即插即用）。
	//  - "alternate": 按块内位置交替 LITERAL/IDIOMATIC。
	//  - "partial": 首个 id 的值为非法类别（触发按条目隔离），其余 LITERAL。
	//  - "fenced": 合法对象外包 markdown 代码栅栏（测试栅栏剥离）。
	//  - "prose": 纯散文（触发整载荷失败）。
	ResponseMode string `json:"response_mode,omitempty"`
}

type Client struct {
	mode string
}

func New(raw json.RawMessage) (contract.Judge, error) {
	var o Options
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "literal_all"
	}
	return &Client{mode: mode}, nil
}

var _ contract.Judge = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, ch contract.Chunk, _ contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	if len(ch.Sentences) == 0 {
		return contract.Raw{}, fmt.Errorf("mock: %w: empty chunk", contract.ErrInvalidInput)
	}

	switch c.mode {
	case "prose":
		return contract.Raw{Text: "I think most of these are literal, but s0 might be idiomatic."}, nil
	case "fenced":
		body, _ := json.Marshal(verdicts(ch, func(int) string { return "LITERAL" }))
		return contract.Raw{Text: "```json\n" + string(body) + "\n```"}, nil
	case "partial":
		v := verdicts(ch, func(int) string { return "LITERAL" })
		v[ch.Sentences[0].ID] = "MAYBE"
		body, _ := json.Marshal(v)
		return contract.Raw{Text: string(body)}, nil
	case "alternate":
		body, _ := json.Marshal(verdicts(ch, func(i int) string {
			if i%2 == 0 {
				return "LITERAL"
			}
			return "IDIOMATIC"
		}))
		return contract.Raw{Text: string(body)}, nil
	default: // literal_all
		body, _ := json.Marshal(verdicts(ch, func(int) string { return "LITERAL" }))
		return contract.Raw{Text: string(body)}, nil
	}
}

func verdicts(ch contract.Chunk, pick func(i int) string) map[contract.SentenceID]string {
	m := make(map[contract.SentenceID]string, len(ch.Sentences))
	for i, s := range ch.Sentences {
		m[s.ID] = pick(i)
	}
	return m
}
