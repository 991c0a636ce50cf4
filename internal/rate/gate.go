package rate

import (
	"context"
	"sync"
	"time"

	"sensegate/pkg/contract"
)

// LimitKey: 限流分组键（例如 judge 客户端名称）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM           int // requests per minute
	MinIntervalMS int // 相邻两次放行的最小间隔（毫秒）
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail int, nextOKInMS int64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex // 保护 m 的惰性插入
	m   map[LimitKey]*entry
}

type entry struct {
	mu        sync.Mutex
	lim       Limits
	req       bucket        // RPM 维度
	interval  time.Duration // 间隔维度；0 表示关闭
	lastGrant time.Time     // 上次放行时刻；零值表示尚未放行
}

type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = newBucket(lim.RPM, now)
	}
	if lim.MinIntervalMS > 0 {
		e.interval = time.Duration(lim.MinIntervalMS) * time.Millisecond
	}
	return e
}

func newBucket(capacity int, now time.Time) bucket {
	if capacity <= 0 {
		return bucket{}
	}
	return bucket{cap: capacity, level: float64(capacity), rate: float64(capacity) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() {
		return
	}
	if now.Before(b.last) {
		// 单调性保护：若时钟回拨，视为无时间流逝
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() {
		return true
	}
	if n <= 0 { // 非法输入在上层校验，这里宽松处理
		return true
	}
	return b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// waitSecFor 返回达到可消费 n 还需等待的秒数（向下近似）；上层取各维度最大值并向上取整。
func (b *bucket) waitSecFor(n int) float64 {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return deficit / b.rate
}

// spacingOK: 间隔维度是否允许放行；不允许时返回剩余等待。
func (e *entry) spacingOK(now time.Time) (bool, time.Duration) {
	if e.interval <= 0 || e.lastGrant.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(e.lastGrant)
	if elapsed >= e.interval {
		return true, 0
	}
	return false, e.interval - elapsed
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 {
		return false
	}
	e := g.get(a.Key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	ok, _ := e.spacingOK(now)
	if ok && e.req.canTake(a.Requests) {
		e.req.take(a.Requests)
		e.lastGrant = now
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 {
		return contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		// 快速取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := g.clk()
		e.mu.Lock()
		e.req.refill(now)
		spaceOK, spaceWait := e.spacingOK(now)
		if spaceOK && e.req.canTake(a.Requests) {
			e.req.take(a.Requests)
			e.lastGrant = now
			e.mu.Unlock()
			return nil
		}
		wr := time.Duration(e.req.waitSecFor(a.Requests) * float64(time.Second))
		e.mu.Unlock()

		d := wr
		if spaceWait > d {
			d = spaceWait
		}
		d += minSleep
		if d < minSleep {
			d = minSleep
		}
		// 分片睡眠以响应 ctx 取消
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 若 d 很长，分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用请求数与下次可放行的剩余毫秒（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail int, nextOKInMS int64) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	if e.req.enabled() {
		switch {
		case e.req.level < 0:
			rpmAvail = 0
		case e.req.level > float64(e.req.cap):
			rpmAvail = e.req.cap
		default:
			rpmAvail = int(e.req.level)
		}
	}
	if ok, wait := e.spacingOK(now); !ok {
		nextOKInMS = wait.Milliseconds()
	}
	return
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
