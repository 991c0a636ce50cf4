package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sensegate/pkg/contract"
	aord "sensegate/plugins/aggregator/ordered"
	cfix "sensegate/plugins/chunker/fixed"
	dsm "sensegate/plugins/decoder/strictmap"
	pcls "sensegate/plugins/prompt/classify"
	wfs "sensegate/plugins/writer/filesystem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubReader: 单文件只读 Reader。
type stubReader struct{ fid contract.FileID }

func (r *stubReader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.ReadCloser) error) error {
	return yield(r.fid, io.NopCloser(strings.NewReader("")))
}

// stubLoader: 忽略字节流，返回预置句子。
type stubLoader struct{ sents []contract.Sentence }

func (l *stubLoader) Load(ctx context.Context, fid contract.FileID, r io.Reader) ([]contract.Sentence, error) {
	return l.sents, nil
}

// stubFilter: lemma 为 "drop" 的句子丢弃，其余保留。
type stubFilter struct{}

func (stubFilter) Verdict(ctx context.Context, s contract.Sentence) contract.FilterVerdict {
	if s.Lemma == "drop" {
		return contract.FilterVerdict{ID: s.ID, Retained: false, Reason: contract.ReasonNoVerbLemmaMatch}
	}
	return contract.FilterVerdict{ID: s.ID, Retained: true, Token: s.Lemma, Tag: "VB"}
}

// scriptJudge: 按调用序执行脚本；脚本耗尽后重复末项。
// 脚本项：err 非空返回错误；text 为 "@ok" 时生成全 LITERAL 的合法载荷。
type scriptStep struct {
	err  error
	text string
}

type scriptJudge struct {
	steps []scriptStep
	calls atomic.Int64
}

func (j *scriptJudge) Invoke(ctx context.Context, c contract.Chunk, p contract.Prompt) (contract.Raw, error) {
	n := int(j.calls.Add(1)) - 1
	if n >= len(j.steps) {
		n = len(j.steps) - 1
	}
	st := j.steps[n]
	if st.err != nil {
		return contract.Raw{}, st.err
	}
	if st.text == "@ok" {
		m := make(map[string]string, len(c.Sentences))
		for _, s := range c.Sentences {
			m[string(s.ID)] = string(contract.Literal)
		}
		b, _ := json.Marshal(m)
		return contract.Raw{Text: string(b)}, nil
	}
	return contract.Raw{Text: st.text}, nil
}

// slowJudge: 每次调用固定耗时后返回全 LITERAL 载荷；上下文先到期则返回其错误。
type slowJudge struct{ delay time.Duration }

func (j *slowJudge) Invoke(ctx context.Context, c contract.Chunk, _ contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	case <-time.After(j.delay):
	}
	m := make(map[string]string, len(c.Sentences))
	for _, s := range c.Sentences {
		m[string(s.ID)] = string(contract.Literal)
	}
	b, _ := json.Marshal(m)
	return contract.Raw{Text: string(b)}, nil
}

func mkSents(n int) []contract.Sentence {
	out := make([]contract.Sentence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, contract.Sentence{
			ID:       contract.SentenceID(fmt.Sprintf("s%d", i)),
			File:     "f",
			Seq:      contract.Index(i),
			Text:     fmt.Sprintf("He runs fast %d.", i),
			Lemma:    "run",
			Register: "informal",
			Mood:     "indicative",
			Source:   "test",
		})
	}
	return out
}

func mkComponents(t *testing.T, outDir string, sents []contract.Sentence, judge contract.Judge) Components {
	t.Helper()
	pb, err := pcls.New(&pcls.Options{})
	require.NoError(t, err)
	w, err := wfs.New(&wfs.Options{OutputDir: outDir})
	require.NoError(t, err)
	return Components{
		Reader:        &stubReader{fid: "f"},
		Loader:        &stubLoader{sents: sents},
		Filter:        stubFilter{},
		Chunker:       cfix.New(nil),
		PromptBuilder: pb,
		Judge:         judge,
		Decoder:       dsm.New(nil),
		Aggregator:    aord.New(nil),
		Writer:        w,
	}
}

func baseSettings() Settings {
	return Settings{
		Inputs:      []string{"-"},
		Concurrency: 2,
		ChunkSize:   2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}
}

func TestRunHappyPath(t *testing.T) {
	dir := t.TempDir()
	sents := mkSents(5)
	sents[4].Lemma = "drop"
	judge := &scriptJudge{steps: []scriptStep{{text: "@ok"}}}

	snap, err := Run(context.Background(), mkComponents(t, dir, sents, judge), baseSettings(), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 5, snap.Total)
	assert.EqualValues(t, 4, snap.Retained)
	assert.EqualValues(t, 1, snap.Dropped)
	assert.EqualValues(t, 4, snap.Literal)
	assert.EqualValues(t, 0, snap.Unresolved)
	assert.Equal(t, snap.Total, snap.Retained+snap.Dropped)
	assert.Equal(t, snap.Retained, snap.Classified+snap.Unresolved)
	assert.EqualValues(t, 2, snap.Chunks)

	// CSV：表头 + 保留句行
	b, err := os.ReadFile(filepath.Join(dir, "f.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Lemma,Register,Mood,Usage_Category,Source,Status,Full_Sentence", lines[0])
	assert.Contains(t, lines[1], "LITERAL")
	assert.Contains(t, lines[1], "classified")

	// 审计：每个输入句一行
	b, err = os.ReadFile(filepath.Join(dir, "f.audit.jsonl"))
	require.NoError(t, err)
	audit := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, audit, 5)
	assert.Contains(t, audit[4], `"dropped"`)
	assert.Contains(t, audit[4], contract.ReasonNoVerbLemmaMatch)

	// 报告：计数快照
	b, err = os.ReadFile(filepath.Join(dir, "f.report.json"))
	require.NoError(t, err)
	var rep struct {
		File     string `json:"file"`
		Total    int64  `json:"total"`
		Retained int64  `json:"retained"`
	}
	require.NoError(t, json.Unmarshal(b, &rep))
	assert.Equal(t, "f", rep.File)
	assert.EqualValues(t, 5, rep.Total)
	assert.EqualValues(t, 4, rep.Retained)
}

func TestRunFlakyJudgeRecovers(t *testing.T) {
	dir := t.TempDir()
	// 阶梯：限流 → 非 JSON 载荷 → 成功；MaxAttempts=3 恰好覆盖
	judge := &scriptJudge{steps: []scriptStep{
		{err: fmt.Errorf("upstream 429: %w", contract.ErrRateLimited)},
		{text: "not json at all"},
		{text: "@ok"},
	}}
	set := baseSettings()
	set.Concurrency = 1
	set.ChunkSize = 10

	snap, err := Run(context.Background(), mkComponents(t, dir, mkSents(3), judge), set, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, judge.calls.Load(), "限流与坏载荷各触发一次重试")
	assert.EqualValues(t, 3, snap.Attempts)
	assert.EqualValues(t, 3, snap.Literal)
	assert.EqualValues(t, 0, snap.JudgeFailures)
}

func TestRunExhaustionContained(t *testing.T) {
	dir := t.TempDir()
	judge := &scriptJudge{steps: []scriptStep{
		{err: fmt.Errorf("upstream 429: %w", contract.ErrRateLimited)},
	}}
	set := baseSettings()
	set.Concurrency = 1
	set.ChunkSize = 10

	snap, err := Run(context.Background(), mkComponents(t, dir, mkSents(2), judge), set, nil)
	require.NoError(t, err, "块级失败被遏制，不得中止运行")
	assert.EqualValues(t, 3, judge.calls.Load(), "恰好 MaxAttempts 次尝试")
	assert.EqualValues(t, 3, snap.Attempts)
	assert.EqualValues(t, 2, snap.Unresolved)
	assert.EqualValues(t, 1, snap.JudgeFailures)

	b, err := os.ReadFile(filepath.Join(dir, "f.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(b), contract.ReasonJudgeUnavailable)
}

func TestRunBudgetExpiryContained(t *testing.T) {
	dir := t.TempDir()
	// 每块 60ms、预算 80ms：最多一块完成，其余折算为 budget-exhausted
	judge := &slowJudge{delay: 60 * time.Millisecond}
	set := baseSettings()
	set.Concurrency = 1
	set.ChunkSize = 1
	set.MaxAttempts = 1
	set.Budget = 80 * time.Millisecond

	snap, err := Run(context.Background(), mkComponents(t, dir, mkSents(4), judge), set, nil)
	require.NoError(t, err, "预算到期不得中止运行")
	assert.EqualValues(t, 4, snap.Retained)
	assert.Equal(t, snap.Retained, snap.Classified+snap.Unresolved, "每个保留句必须有归宿")
	assert.GreaterOrEqual(t, snap.Unresolved, int64(3))
	assert.GreaterOrEqual(t, snap.JudgeFailures, int64(3))

	// 产物三件套照常写出；审计里出现 budget-exhausted
	b, err := os.ReadFile(filepath.Join(dir, "f.audit.jsonl"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(b)), "\n"), 4)
	assert.Contains(t, string(b), contract.ReasonBudgetExhausted)
	for _, name := range []string{"f.csv", "f.report.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoErrorf(t, err, "缺少产物 %s", name)
	}
}

func TestRunNonRetryableNotRetried(t *testing.T) {
	dir := t.TempDir()
	judge := &scriptJudge{steps: []scriptStep{
		{err: fmt.Errorf("bad request: %w", contract.ErrInvalidInput)},
	}}
	set := baseSettings()
	set.Concurrency = 1
	set.ChunkSize = 10

	snap, err := Run(context.Background(), mkComponents(t, dir, mkSents(1), judge), set, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, judge.calls.Load(), "非法输入不重试")
	assert.EqualValues(t, 1, snap.Unresolved)
}

func TestRunPartialResponse(t *testing.T) {
	dir := t.TempDir()
	// 两句的块只回了一句
	judge := &scriptJudge{steps: []scriptStep{{text: `{"s0":"IDIOMATIC"}`}}}
	set := baseSettings()
	set.Concurrency = 1
	set.ChunkSize = 10

	snap, err := Run(context.Background(), mkComponents(t, dir, mkSents(2), judge), set, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Idiomatic)
	assert.EqualValues(t, 1, snap.Unresolved)
	assert.Equal(t, snap.Retained, snap.Classified+snap.Unresolved)

	b, err := os.ReadFile(filepath.Join(dir, "f.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(b), contract.ReasonMissingEntry)
}

func TestRunEmptyFile(t *testing.T) {
	dir := t.TempDir()
	judge := &scriptJudge{steps: []scriptStep{{text: "@ok"}}}
	snap, err := Run(context.Background(), mkComponents(t, dir, nil, judge), baseSettings(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Total)
	assert.EqualValues(t, 0, judge.calls.Load())
	// 空文件也要产出三件套
	for _, name := range []string{"f.csv", "f.audit.jsonl", "f.report.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoErrorf(t, err, "缺少产物 %s", name)
	}
}

func TestRunCanceled(t *testing.T) {
	dir := t.TempDir()
	judge := &scriptJudge{steps: []scriptStep{{text: "@ok"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, mkComponents(t, dir, mkSents(3), judge), baseSettings(), nil)
	assert.Error(t, err)
}

func TestRunSanity(t *testing.T) {
	_, err := Run(context.Background(), Components{}, baseSettings(), nil)
	assert.Error(t, err)

	dir := t.TempDir()
	judge := &scriptJudge{steps: []scriptStep{{text: "@ok"}}}
	comp := mkComponents(t, dir, mkSents(1), judge)

	set := baseSettings()
	set.ChunkSize = 0
	_, err = Run(context.Background(), comp, set, nil)
	assert.Error(t, err)

	set = baseSettings()
	set.MaxAttempts = 0
	_, err = Run(context.Background(), comp, set, nil)
	assert.Error(t, err)

	set = baseSettings()
	set.Inputs = nil
	_, err = Run(context.Background(), comp, set, nil)
	assert.Error(t, err)
}
