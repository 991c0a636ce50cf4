// Package classify 构造“动词义项判定”的 ChatPrompt（system+user+json_schema）。
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"sensegate/pkg/contract"
)

// Options 为判定 PromptBuilder 的最小配置。
// InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
}

// Builder: 以 Chunk 构造 ChatPrompt。运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT *template.Template
}

// New 创建判定 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	return &Builder{sysT: tpl}, nil
}

var _ contract.PromptBuilder = (*Builder)(nil)

// item: user 载荷条目（最小必要字段）。
type item struct {
	ID          contract.SentenceID `json:"id"`
	Text        string              `json:"text"`
	TargetLemma string              `json:"target_lemma"`
}

// Build: 基于 Chunk 构造 ChatPrompt（system+user+json_schema）。
func (b *Builder) Build(ctx context.Context, c contract.Chunk) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(c.Sentences) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty chunk", contract.ErrInvalidInput)
	}

	// system 渲染
	var sysBuf bytes.Buffer
	if err := b.sysT.Execute(&sysBuf, nil); err != nil {
		return nil, fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}

	// user 组装：句子条目（JSON 序列化保证转义正确）+ 输出规则
	items := make([]item, 0, len(c.Sentences))
	for _, s := range c.Sentences {
		items = append(items, item{ID: s.ID, Text: s.Text, TargetLemma: s.Lemma})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("prompt: marshal items: %w", err)
	}

	var uw bytes.Buffer
	uw.Grow(len(payload) + 512)
	uw.WriteString("### Sentences\n\n")
	uw.Write(payload)
	uw.WriteString("\n\nIMPORTANT OUTPUT RULES:\n")
	uw.WriteString("1) Judge ONLY the usage of target_lemma as a verb in each sentence.\n")
	uw.WriteString("2) Return ONLY a single strict JSON object (no markdown, no code fences, no commentary).\n")
	uw.WriteString("3) Keys are exactly the input ids; each value is \"LITERAL\" or \"IDIOMATIC\".\n")
	uw.WriteString("4) Every input id MUST appear exactly once.\n")

	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: sysBuf.String()},
		{Role: "user", Content: uw.String()},
		{Role: "json_schema", Content: defaultClassifyJSONSchema},
	}), nil
}

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You are an expert lexical semanticist. For each sentence you receive, decide whether the target verb (given as target_lemma) is used in its LITERAL sense or in an IDIOMATIC/figurative sense within that sentence.

## Decision Criteria
- LITERAL: the verb denotes its core physical or primary dictionary action (e.g. "break the glass", "run to the store").
- IDIOMATIC: the verb is part of an idiom, fixed expression, or extended/figurative meaning (e.g. "break the ice", "run a company").
- Judge each sentence independently; surrounding sentences carry no context.

## I/O Protocol (Very Important)
- The user message contains a JSON array of {"id", "text", "target_lemma"} objects.
- Output ONLY one strict JSON object mapping every input id to "LITERAL" or "IDIOMATIC".
- No markdown, no code fences, no commentary, no extra keys.

<example>
user: [{"id":"s0","text":"She broke the ice with a joke.","target_lemma":"break"},{"id":"s1","text":"He broke the window.","target_lemma":"break"}]

assistant: {"s0":"IDIOMATIC","s1":"LITERAL"}
</example>
`

// 判定输出的最小 JSON Schema：对象，值为二元枚举。
const defaultClassifyJSONSchema = `{"type":"object","additionalProperties":{"type":"string","enum":["LITERAL","IDIOMATIC"]}}`
