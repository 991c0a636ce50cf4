// Package tally 维护运行计数器。
// 约束：记录只增不减、无锁（atomic），任何路径都不得因计数失败阻塞主流程。
package tally

import (
	"sync/atomic"
	"time"
)

// Counters: 单次运行（或单文件）的计数器集合。零值可用。
type Counters struct {
	total         atomic.Int64
	retained      atomic.Int64
	dropped       atomic.Int64
	literal       atomic.Int64
	idiomatic     atomic.Int64
	unresolved    atomic.Int64
	chunks        atomic.Int64
	attempts      atomic.Int64
	judgeFailures atomic.Int64
	start         time.Time
}

// New 构造计数器并记录起点时间。
func New() *Counters {
	return &Counters{start: time.Now()}
}

func (c *Counters) AddTotal(n int64)    { c.total.Add(n) }
func (c *Counters) AddRetained(n int64) { c.retained.Add(n) }
func (c *Counters) AddDropped(n int64)  { c.dropped.Add(n) }
func (c *Counters) AddChunks(n int64)   { c.chunks.Add(n) }
func (c *Counters) AddAttempts(n int64) { c.attempts.Add(n) }
func (c *Counters) IncJudgeFailure()    { c.judgeFailures.Add(1) }

// AddCategory 按最终类别累加。
func (c *Counters) AddCategory(isLiteral, isIdiomatic bool) {
	switch {
	case isLiteral:
		c.literal.Add(1)
	case isIdiomatic:
		c.idiomatic.Add(1)
	default:
		c.unresolved.Add(1)
	}
}

// Snapshot: 某一时刻的只读视图（JSON 形状即 report 产出形状）。
type Snapshot struct {
	Total         int64 `json:"total"`
	Retained      int64 `json:"retained"`
	Dropped       int64 `json:"dropped"`
	Classified    int64 `json:"classified"`
	Literal       int64 `json:"literal"`
	Idiomatic     int64 `json:"idiomatic"`
	Unresolved    int64 `json:"unresolved"`
	Chunks        int64 `json:"chunks"`
	Attempts      int64 `json:"attempts"`
	JudgeFailures int64 `json:"judge_failures"`
	ElapsedMS     int64 `json:"elapsed_ms"`
}

// Snapshot 读取当前值。Classified = Literal+Idiomatic（派生，不单独计数）。
func (c *Counters) Snapshot() Snapshot {
	lit := c.literal.Load()
	idi := c.idiomatic.Load()
	s := Snapshot{
		Total:         c.total.Load(),
		Retained:      c.retained.Load(),
		Dropped:       c.dropped.Load(),
		Classified:    lit + idi,
		Literal:       lit,
		Idiomatic:     idi,
		Unresolved:    c.unresolved.Load(),
		Chunks:        c.chunks.Load(),
		Attempts:      c.attempts.Load(),
		JudgeFailures: c.judgeFailures.Load(),
	}
	if !c.start.IsZero() {
		s.ElapsedMS = time.Since(c.start).Milliseconds()
	}
	return s
}
