// Package verbsense 实现句级门控：目标词元以动词词性出现时保留。
// 标注链：prose 分词+词性标注 → golem 英文词形还原 → 与目标词元比对。
package verbsense

import (
	"context"
	"strings"

	"github.com/aaaton/golem/v4"
	"github.com/aaaton/golem/v4/dicts/en"
	"github.com/jdkato/prose/v2"

	"sensegate/pkg/contract"
)

// 默认动词标签集（Penn Treebank）。
var defaultVerbTags = []string{"VB", "VBD", "VBG", "VBN", "VBP", "VBZ"}

// Options: 最小必要选项。
type Options struct {
	// VerbTags: 计入动词的词性标签；空使用默认集。
	VerbTags []string `json:"verb_tags"`
}

type Gate struct {
	verbTags map[string]struct{}
	lem      *golem.Lemmatizer
}

// New 创建 verbsense 门控；词典加载失败时返回错误（配置期失败）。
func New(opts *Options) (*Gate, error) {
	lem, err := golem.New(en.New())
	if err != nil {
		return nil, err
	}
	tags := defaultVerbTags
	if opts != nil && len(opts.VerbTags) > 0 {
		tags = opts.VerbTags
	}
	m := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return &Gate{verbTags: m, lem: lem}, nil
}

var _ contract.Filter = (*Gate)(nil)

// Verdict 判定单句。首个命中词胜出；任何内部失败折算为 tagger-error，不上抛。
func (g *Gate) Verdict(ctx context.Context, s contract.Sentence) (v contract.FilterVerdict) {
	v = contract.FilterVerdict{ID: s.ID, Retained: false, Reason: contract.ReasonNoVerbLemmaMatch}
	// 标注器内部 panic 折算为 tagger-error
	defer func() {
		if r := recover(); r != nil {
			v = contract.FilterVerdict{ID: s.ID, Retained: false, Reason: contract.ReasonTaggerError}
		}
	}()

	select {
	case <-ctx.Done():
		v.Reason = contract.ReasonTaggerError
		return v
	default:
	}

	lemma := strings.ToLower(strings.TrimSpace(s.Lemma))
	text := strings.TrimSpace(s.Text)
	if lemma == "" || text == "" {
		return v
	}

	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false))
	if err != nil {
		v.Reason = contract.ReasonTaggerError
		return v
	}
	for _, tok := range doc.Tokens() {
		if _, ok := g.verbTags[tok.Tag]; !ok {
			continue
		}
		if g.lem.LemmaLower(tok.Text) == lemma || strings.ToLower(tok.Text) == lemma {
			return contract.FilterVerdict{ID: s.ID, Retained: true, Token: tok.Text, Tag: tok.Tag}
		}
	}
	return v
}
