package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"sensegate/internal/diag"
	"sensegate/internal/rate"
	"sensegate/internal/tally"
	"sensegate/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；原子组件均为同步、无内部并发。
// - 顺序门闩：同一 FileID 的块按 Index 对齐收集，判定完成顺序不影响输出。
// - 失败遏制：块级判定耗尽重试后折算为 FAILED 响应继续运行；
//   仅取消与不变量/IO 错误视为致命（首错取消）。
// - 预算只约束判定调用：预算到期后未完成的块折算为 FAILED/budget-exhausted，
//   聚合与产物写出照常进行，任何输入句不丢失。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Loader        contract.Loader
	Filter        contract.Filter
	Chunker       contract.Chunker
	PromptBuilder contract.PromptBuilder
	Judge         contract.Judge
	Decoder       contract.Decoder
	Aggregator    contract.Aggregator
	Writer        contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs      []string
	Concurrency int
	// ChunkSize: 每块最大句子数（>=1）。
	ChunkSize int
	// MaxAttempts: 单块判定的最大尝试次数（>=1）。1 表示不重试。
	MaxAttempts int
	// 退避：首次间隔与单次间隔上限。
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Budget: 整次运行的墙钟预算；<=0 表示不限。
	Budget time.Duration
	// 限流闸门（可选）：若非空，则在调用 Judge 前调用 Gate.Wait。
	Gate rate.Gate
	// 限流分组键（外部根据 Provider 生成）。
	GateKey rate.LimitKey
}

// Run 执行完整流水线：Reader → Loader → Filter → Chunker → Prompt → (Gate) → Judge → Decoder → Aggregator → Writer。
// 返回整次运行的计数快照。任一文件致命错误即中止并返回该错误。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (tally.Snapshot, error) {
	if err := sanity(comp, set); err != nil {
		return tally.Snapshot{}, fmt.Errorf("sanity: %w", err)
	}

	// ctx: 取消/致命错误传播；jctx: 在其上叠加墙钟预算，仅约束判定调用。
	// 预算到期只让 jctx 过期，本地阶段（装载/门控/聚合/写出）继续收尾。
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jctx := ctx
	if set.Budget > 0 {
		var jcancel context.CancelFunc
		jctx, jcancel = context.WithTimeout(ctx, set.Budget)
		defer jcancel()
	}

	run := tally.New()

	rtimer := (*diag.Timer)(nil)
	if logger != nil {
		rtimer = logger.Start("reader", "iterate")
	}
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		if err := runFile(ctx, jctx, cancel, comp, set, logger, run, fid, rc); err != nil {
			return fmt.Errorf("file %s: %w", fid, err)
		}
		return nil
	})
	if err != nil {
		if logger != nil {
			code := diag.Classify(err)
			logger.Error("reader", string(code), "iterate failed", nil)
			diag.IncOp("reader", "error", "error")
			if code != diag.CodeUnknown {
				diag.IncError("reader", string(code))
			}
		}
		return run.Snapshot(), err
	}
	if rtimer != nil {
		rtimer.Finish("iterate", 0)
		diag.IncOp("reader", "finish", "success")
	}
	return run.Snapshot(), nil
}

// runFile 处理单个输入文件：装载、门控、切块、并发判定、聚合与产物写出。
// jctx 仅用于判定调用；其余阶段使用 ctx，预算到期不阻断收尾。
func runFile(ctx, jctx context.Context, cancel context.CancelFunc, comp Components, set Settings, logger *diag.Logger, run *tally.Counters, fid contract.FileID, rc io.Reader) error {
	ft := tally.New()

	// 装载
	ltimer := (*diag.Timer)(nil)
	if logger != nil {
		ltimer = logger.StartWith("loader", "load", string(fid), "")
	}
	sents, err := comp.Loader.Load(ctx, fid, rc)
	if err != nil {
		failStage(logger, "loader", "load failed", err, fid, "")
		return fmt.Errorf("loader load: %w", err)
	}
	if ltimer != nil {
		ltimer.Finish("load", int64(len(sents)))
		diag.IncOp("loader", "finish", "success")
	}

	// 门控：逐句裁决；Filter 不返回错误，失败折算在 Reason 内。
	fltimer := (*diag.Timer)(nil)
	if logger != nil {
		fltimer = logger.StartWith("filter", "verdict", string(fid), "")
	}
	verdicts := make(map[contract.SentenceID]contract.FilterVerdict, len(sents))
	retained := make([]contract.Sentence, 0, len(sents))
	for _, s := range sents {
		v := comp.Filter.Verdict(ctx, s)
		verdicts[s.ID] = v
		ft.AddTotal(1)
		run.AddTotal(1)
		if v.Retained {
			ft.AddRetained(1)
			run.AddRetained(1)
			retained = append(retained, s)
		} else {
			ft.AddDropped(1)
			run.AddDropped(1)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fltimer != nil {
		fltimer.Finish("verdict", int64(len(retained)))
		diag.IncOp("filter", "finish", "success")
	}

	// 切块
	ctimer := (*diag.Timer)(nil)
	if logger != nil {
		ctimer = logger.StartWith("chunker", "make", string(fid), "")
	}
	chunks, err := comp.Chunker.Make(ctx, retained, contract.ChunkLimit{MaxSentences: set.ChunkSize})
	if err != nil {
		failStage(logger, "chunker", "make failed", err, fid, "")
		return fmt.Errorf("chunker make: %w", err)
	}
	if ctimer != nil {
		ctimer.Finish("make", int64(len(chunks)))
		diag.IncOp("chunker", "finish", "success")
	}
	ft.AddChunks(int64(len(chunks)))
	run.AddChunks(int64(len(chunks)))

	if t := diag.GetTerminal(); t != nil {
		t.FileStart(string(fid), len(chunks))
	}
	fileStart := time.Now()
	ok := false
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(ok, time.Since(fileStart))
		}
	}()

	// 并发判定：结果按块 Index 对齐写入固定槽位。
	resps := make([]contract.JudgeResponse, len(chunks))
	states := make([]contract.ChunkState, len(chunks))
	var firstErr error
	var errOnce sync.Once
	fatal := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	inCh := make(chan int, len(chunks))
	for i := range chunks {
		inCh <- i
	}
	close(inCh)

	var done, errs int
	var progMu sync.Mutex
	progress := func(failed bool) {
		progMu.Lock()
		done++
		if failed {
			errs++
		}
		d, e := done, errs
		progMu.Unlock()
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(d, len(chunks), e)
		}
	}

	nWorkers := set.Concurrency
	if nWorkers > len(chunks) {
		nWorkers = len(chunks)
	}
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range inCh {
				if ctx.Err() != nil {
					return
				}
				if !states[i].CanAdvance(contract.ChunkInFlight) {
					fatal(fmt.Errorf("chunk %d state %s: %w", i, states[i], contract.ErrInvariantViolation))
					return
				}
				states[i] = contract.ChunkInFlight
				var resp contract.JudgeResponse
				if jctx.Err() != nil {
					// 预算耗尽：剩余块不再调用判定，直接折算
					resp = budgetFailed(logger, chunks[i])
				} else {
					var jerr error
					resp, jerr = judgeChunk(jctx, comp, set, logger, chunks[i])
					if jerr != nil {
						fatal(jerr)
						return
					}
				}
				next := contract.ChunkSuccess
				switch resp.Status {
				case contract.ParsePartial:
					next = contract.ChunkPartial
				case contract.ParseFailed:
					next = contract.ChunkFailed
				}
				if !states[i].CanAdvance(next) {
					fatal(fmt.Errorf("chunk %d state %s -> %s: %w", i, states[i], next, contract.ErrInvariantViolation))
					return
				}
				states[i] = next
				resps[i] = resp
				ft.AddAttempts(int64(resp.Attempts))
				run.AddAttempts(int64(resp.Attempts))
				if resp.Status == contract.ParseFailed {
					ft.IncJudgeFailure()
					run.IncJudgeFailure()
				}
				progress(resp.Status == contract.ParseFailed)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		failStage(logger, "judge", "first error", firstErr, fid, "")
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range states {
		states[i] = contract.ChunkAggregated
	}

	// 聚合
	atimer := (*diag.Timer)(nil)
	if logger != nil {
		atimer = logger.StartWith("aggregator", "aggregate", string(fid), "")
	}
	recs, err := comp.Aggregator.Aggregate(ctx, chunks, resps)
	if err != nil {
		failStage(logger, "aggregator", "aggregate failed", err, fid, "")
		return fmt.Errorf("aggregator aggregate: %w", err)
	}
	if atimer != nil {
		atimer.Finish("aggregate", int64(len(recs)))
		diag.IncOp("aggregator", "finish", "success")
	}
	for _, r := range recs {
		ft.AddCategory(r.Category == contract.Literal, r.Category == contract.Idiomatic)
		run.AddCategory(r.Category == contract.Literal, r.Category == contract.Idiomatic)
	}

	// 产物写出：数据集 CSV、审计 JSONL、报告 JSON。
	wtimer := (*diag.Timer)(nil)
	if logger != nil {
		wtimer = logger.StartWith("writer", "write", string(fid), "")
	}
	if err := writeArtifacts(ctx, comp.Writer, fid, sents, verdicts, recs, ft.Snapshot()); err != nil {
		failStage(logger, "writer", "write failed", err, fid, "")
		return fmt.Errorf("writer write: %w", err)
	}
	if wtimer != nil {
		wtimer.Finish("write", int64(len(recs)))
		diag.IncOp("writer", "finish", "success")
	}
	ok = true
	return nil
}

// judgeChunk 执行单块的 Prompt → Gate → Judge → Decoder，带指数退避重试。
// 返回 error 仅在致命场合（取消、Prompt 构建失败）；
// 其余失败一律遏制为 FAILED 响应。
func judgeChunk(ctx context.Context, comp Components, set Settings, logger *diag.Logger, c contract.Chunk) (contract.JudgeResponse, error) {
	chunkID := fmt.Sprintf("%d", c.Index)

	p, err := comp.PromptBuilder.Build(ctx, c)
	if err != nil {
		failStage(logger, "prompt_builder", "build failed", err, c.File, chunkID)
		return contract.JudgeResponse{}, fmt.Errorf("prompt build: %w", err)
	}

	backoff := retry.NewExponential(set.BackoffBase)
	backoff = retry.WithCappedDuration(set.BackoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(set.MaxAttempts-1), backoff)

	attempts := 0
	var resp contract.JudgeResponse
	rerr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if set.Gate != nil {
			if logger != nil {
				logger.DebugStart("gate", "ask", string(c.File), chunkID, map[string]string{
					"attempt": fmt.Sprintf("%d", attempts),
				})
			}
			if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1}); err != nil {
				return err // 闸门错误不重试（取消或输入非法）
			}
		}

		jtimer := (*diag.Timer)(nil)
		if logger != nil {
			jtimer = logger.StartWithKV("judge", "invoke", string(c.File), chunkID, map[string]string{
				"sentences": fmt.Sprintf("%d", len(c.Sentences)),
				"attempt":   fmt.Sprintf("%d", attempts),
			})
		}
		raw, err := comp.Judge.Invoke(ctx, c, p)
		if err != nil {
			logInvoke(logger, err, c.File, chunkID)
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if jtimer != nil {
			jtimer.Finish("invoke", int64(len(raw.Text)))
			diag.IncOp("judge", "finish", "success")
		}

		dtimer := (*diag.Timer)(nil)
		if logger != nil {
			dtimer = logger.StartWith("decoder", "decode", string(c.File), chunkID)
		}
		r, err := comp.Decoder.Decode(ctx, c, raw)
		if err != nil {
			failStage(logger, "decoder", "decode failed", err, c.File, chunkID)
			// 整体载荷失败视为模型幻觉，重试
			if errors.Is(err, contract.ErrResponseInvalid) {
				return retry.RetryableError(err)
			}
			return err
		}
		if dtimer != nil {
			dtimer.Finish("decode", int64(len(r.Verdicts)))
			diag.IncOp("decoder", "finish", "success")
		}
		if len(r.Extras) > 0 && logger != nil {
			logger.Warn("decoder", string(diag.CodeProtocol), "unknown ids ignored", string(c.File), chunkID, map[string]string{
				"extras": fmt.Sprintf("%d", len(r.Extras)),
			})
		}
		resp = r
		return nil
	})
	if rerr != nil {
		if errors.Is(rerr, context.Canceled) {
			return contract.JudgeResponse{}, rerr
		}
		// 遏制：耗尽重试或不可重试的上游失败折算为 FAILED 响应。
		reason := contract.ReasonJudgeUnavailable
		if errors.Is(rerr, context.DeadlineExceeded) || errors.Is(rerr, contract.ErrBudgetExceeded) {
			reason = contract.ReasonBudgetExhausted
		}
		if logger != nil {
			logger.Warn("judge", string(diag.Classify(rerr)), "chunk contained as failed", string(c.File), chunkID, map[string]string{
				"attempts": fmt.Sprintf("%d", attempts),
				"reason":   reason,
			})
		}
		return contract.JudgeResponse{
			File:     c.File,
			Chunk:    c.Index,
			Status:   contract.ParseFailed,
			Attempts: attempts,
			Reason:   reason,
		}, nil
	}
	resp.Attempts = attempts
	return resp, nil
}

// budgetFailed: 预算耗尽时为未判定块合成 FAILED 响应（不消耗尝试）。
func budgetFailed(logger *diag.Logger, c contract.Chunk) contract.JudgeResponse {
	if logger != nil {
		logger.Warn("judge", string(diag.CodeBudget), "chunk contained as failed", string(c.File),
			fmt.Sprintf("%d", c.Index), map[string]string{"reason": contract.ReasonBudgetExhausted})
	}
	return contract.JudgeResponse{
		File:   c.File,
		Chunk:  c.Index,
		Status: contract.ParseFailed,
		Reason: contract.ReasonBudgetExhausted,
	}
}

// retryable: 限流、瞬态网络错误与无效响应可重试；其余不重试。
func retryable(err error) bool {
	if errors.Is(err, contract.ErrRateLimited) || errors.Is(err, contract.ErrResponseInvalid) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// auditRow: 审计边车行。每个输入句恰好一行。
type auditRow struct {
	ID       contract.SentenceID `json:"id"`
	Status   string              `json:"status"`
	Category contract.Category   `json:"category,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Attempts int                 `json:"attempts,omitempty"`
	Token    string              `json:"token,omitempty"`
	Tag      string              `json:"tag,omitempty"`
}

// fileReport: 报告产物。形状 = 计数快照 + 文件标识。
type fileReport struct {
	File contract.FileID `json:"file"`
	tally.Snapshot
}

// writeArtifacts 写出 <f>.csv / <f>.audit.jsonl / <f>.report.json。
func writeArtifacts(ctx context.Context, w contract.Writer, fid contract.FileID, sents []contract.Sentence, verdicts map[contract.SentenceID]contract.FilterVerdict, recs []contract.LabeledRecord, snap tally.Snapshot) error {
	byID := make(map[contract.SentenceID]contract.LabeledRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	// 数据集 CSV：仅保留句。
	var csvBuf bytes.Buffer
	cw := csv.NewWriter(&csvBuf)
	if err := cw.Write([]string{"Lemma", "Register", "Mood", "Usage_Category", "Source", "Status", "Full_Sentence"}); err != nil {
		return err
	}
	for _, r := range recs {
		status := "classified"
		if r.Category == contract.Unresolved {
			status = "unresolved"
		}
		if err := cw.Write([]string{r.Lemma, r.Register, r.Mood, string(r.Category), r.Source, status, r.Text}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	// 审计 JSONL：全部输入句，按装载序。
	var auditBuf bytes.Buffer
	enc := json.NewEncoder(&auditBuf)
	enc.SetEscapeHTML(false)
	for _, s := range sents {
		v := verdicts[s.ID]
		row := auditRow{ID: s.ID, Token: v.Token, Tag: v.Tag}
		if !v.Retained {
			row.Status = "dropped"
			row.Reason = v.Reason
		} else if r, ok := byID[s.ID]; ok {
			row.Category = r.Category
			row.Reason = r.Reason
			row.Attempts = r.Attempts
			if r.Category == contract.Unresolved {
				row.Status = "unresolved"
			} else {
				row.Status = "classified"
			}
		} else {
			// 保留句必有记录；缺失即不变量破坏
			return fmt.Errorf("retained sentence %q has no labeled record: %w", s.ID, contract.ErrInvariantViolation)
		}
		if err := enc.Encode(&row); err != nil {
			return err
		}
	}

	rep, err := json.MarshalIndent(fileReport{File: fid, Snapshot: snap}, "", "  ")
	if err != nil {
		return err
	}

	base := string(fid)
	if err := w.Write(ctx, contract.ArtifactID(base+".csv"), bytes.NewReader(csvBuf.Bytes())); err != nil {
		return err
	}
	if err := w.Write(ctx, contract.ArtifactID(base+".audit.jsonl"), bytes.NewReader(auditBuf.Bytes())); err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(base+".report.json"), bytes.NewReader(rep))
}

// failStage: 错误日志 + 指标的统一出口。
func failStage(logger *diag.Logger, comp, msg string, err error, fid contract.FileID, chunkID string) {
	if logger == nil {
		return
	}
	code := diag.Classify(err)
	var kv map[string]string
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv = map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	if kv != nil {
		logger.ErrorWithKV(comp, string(code), msg, nil, string(fid), chunkID, kv)
	} else {
		logger.ErrorWith(comp, string(code), msg, nil, string(fid), chunkID)
	}
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// logInvoke: 判定调用失败的日志（附上游状态码，若有）。
func logInvoke(logger *diag.Logger, err error, fid contract.FileID, chunkID string) {
	failStage(logger, "judge", "invoke failed", err, fid, chunkID)
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Loader == nil || c.Filter == nil || c.Chunker == nil ||
		c.PromptBuilder == nil || c.Judge == nil || c.Decoder == nil || c.Aggregator == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if len(s.Inputs) == 0 {
		return errors.New("pipeline: empty inputs")
	}
	if s.Concurrency < 1 {
		return errors.New("pipeline: concurrency must be >= 1")
	}
	if s.ChunkSize < 1 {
		return errors.New("pipeline: chunk size must be >= 1")
	}
	if s.MaxAttempts < 1 {
		return errors.New("pipeline: max attempts must be >= 1")
	}
	return nil
}
