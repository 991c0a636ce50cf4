// Package gemini 基于 google.golang.org/genai SDK 的判定客户端。
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"google.golang.org/genai"

	"sensegate/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	Model       string   `json:"model"`       // 为空则使用默认
	APIKeyEnv   string   `json:"api_key_env"` // 优先从环境变量读取
	APIKey      string   `json:"api_key"`     // 明文传入（不推荐，按需用于测试）
	Temperature *float32 `json:"temperature,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GEMINI_API_KEY"
	}
}

type Client struct {
	gc    *genai.Client
	model string
	temp  *float32
}

// New 从原样 JSON 选项构造客户端（构造期建连配置，失败视为配置错误）。
func New(raw json.RawMessage) (contract.Judge, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: key})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{gc: gc, model: opts.Model, temp: opts.Temperature}, nil
}

var _ contract.Judge = (*Client)(nil)

// upstreamError 实现 net.Error，将上游 5xx/408 映射为可重试的网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// splitPrompt: 取 system 与 user 文本；schema 携带消息由支持方消费，此处丢弃
//（gemini 侧以 response_mime_type=application/json 约束输出）。
func splitPrompt(p contract.Prompt) (sys, user string, err error) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return "", "", contract.ErrInvalidInput
	}
	var ub strings.Builder
	for _, m := range cp {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			sys = m.Content
		case "user":
			if ub.Len() > 0 {
				ub.WriteByte('\n')
			}
			ub.WriteString(m.Content)
		case "json_schema":
			// 忽略
		default:
			return "", "", contract.ErrInvalidInput
		}
	}
	user = ub.String()
	if user == "" {
		return "", "", contract.ErrInvalidInput
	}
	return sys, user, nil
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, _ contract.Chunk, p contract.Prompt) (contract.Raw, error) {
	sys, user, err := splitPrompt(p)
	if err != nil {
		return contract.Raw{}, err
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      c.temp,
	}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	resp, err := c.gc.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return contract.Raw{}, mapErr(ctx, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: text}, nil
}

// mapErr: SDK 错误 → 哨兵/上游错误分类。
func mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	var ae genai.APIError
	if errors.As(err, &ae) {
		switch {
		case ae.Code == http.StatusTooManyRequests:
			return fmt.Errorf("gemini: %v: %w", ae.Message, contract.ErrRateLimited)
		case ae.Code == http.StatusRequestTimeout || ae.Code/100 == 5:
			return upstreamError{status: ae.Code, msg: ae.Message}
		default:
			return fmt.Errorf("gemini upstream %d: %v: %w", ae.Code, ae.Message, contract.ErrInvalidInput)
		}
	}
	// 非 API 错误（连接失败等）原样上抛，交由分类器按 net.Error 判定
	return err
}
