package flaky

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"sensegate/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的判定实现：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回无法解析的载荷；
// 之后返回全 LITERAL 的严格 JSON 对象。
type Client struct {
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.Judge, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	return &Client{logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// Invoke 实现 contract.Judge。
func (c *Client) Invoke(ctx context.Context, ch contract.Chunk, _ contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Raw{}, contract.ErrRateLimited
	case 2:
		c.log("invalid_payload")
		return contract.Raw{Text: "not json at all"}, nil
	default:
		c.log("ok")
		m := make(map[contract.SentenceID]string, len(ch.Sentences))
		for _, s := range ch.Sentences {
			m[s.ID] = "LITERAL"
		}
		bts, _ := json.Marshal(m)
		return contract.Raw{Text: string(bts)}, nil
	}
}

var _ contract.Judge = (*Client)(nil)
