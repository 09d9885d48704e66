// Package breaker 维护按服务 ID 划分的熔断器状态。状态仅驻留内存，进程重启即复位。
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenMCP-Mesh/pkg/logger"
)

// State 表示熔断器状态。
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// 默认阈值与冷却时间。
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// Snapshot 是某个服务熔断器的只读视图。
type Snapshot struct {
	ServiceID   string    `json:"service_id"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}

// Transition 描述一次状态变化。
type Transition struct {
	ServiceID string
	From      State
	To        State
	Failures  int
	At        time.Time
}

// Option 配置 Tracker。
type Option func(*Tracker)

// WithThreshold 设置连续失败阈值。
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithCooldown 设置 OPEN 状态的冷却时间。
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cooldown = d
		}
	}
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker 管理全部服务的熔断器。每个服务独立加锁，互不阻塞。
type Tracker struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []func(Transition)

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type entry struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastAttempt time.Time
}

// NewTracker 创建熔断器管理器。
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[string]*entry),
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.log = logger.Named("breaker")
	return t
}

// OnTransition 注册状态变化回调。回调在释放熔断器锁之后同步执行。
func (t *Tracker) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Init 为服务建立（或重置为）CLOSED 状态的熔断器。
func (t *Tracker) Init(id string) {
	t.mu.Lock()
	t.entries[id] = &entry{state: StateClosed}
	t.mu.Unlock()
}

// Remove 丢弃服务的熔断器状态。
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// CanInvoke 判断是否允许调用服务。
//
// OPEN 状态在冷却时间结束后的首次调用转入 HALF_OPEN 并放行一次探测；
// HALF_OPEN 期间在探测结果记录之前拒绝其他调用，若探测结果迟迟未记录，
// 则再经过一个冷却周期后允许下一次探测。未知服务视为 CLOSED。
func (t *Tracker) CanInvoke(id string) bool {
	e := t.lookup(id)
	if e == nil {
		return true
	}

	e.mu.Lock()
	now := t.now()
	var tr *Transition
	allowed := false
	switch e.state {
	case StateClosed:
		allowed = true
	case StateOpen, StateHalfOpen:
		if now.Sub(e.lastAttempt) >= t.cooldown {
			if e.state == StateOpen {
				tr = &Transition{ServiceID: id, From: StateOpen, To: StateHalfOpen, Failures: e.failures, At: now}
				e.state = StateHalfOpen
			}
			e.lastAttempt = now
			allowed = true
		}
	}
	e.mu.Unlock()

	t.notify(tr)
	return allowed
}

// Release 归还 CanInvoke 放行后最终没有发出的 HALF_OPEN 探测，下一次 CanInvoke 可立即探测。
// 其他状态下不做任何事。
func (t *Tracker) Release(id string) {
	e := t.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state == StateHalfOpen {
		e.lastAttempt = e.lastAttempt.Add(-t.cooldown)
	}
	e.mu.Unlock()
}

// RecordFailure 记录一次失败。失败计数不会衰减，达到阈值后进入 OPEN。
// 未经 Init 或已被 Remove 的服务不会因此建立熔断器，返回 CLOSED 快照。
func (t *Tracker) RecordFailure(id string) Snapshot {
	e := t.lookup(id)
	if e == nil {
		return Snapshot{ServiceID: id, State: StateClosed}
	}

	e.mu.Lock()
	now := t.now()
	e.failures++
	e.lastAttempt = now
	var tr *Transition
	if e.failures >= t.threshold && e.state != StateOpen {
		tr = &Transition{ServiceID: id, From: e.state, To: StateOpen, Failures: e.failures, At: now}
		e.state = StateOpen
	}
	snap := e.snapshot(id)
	e.mu.Unlock()

	t.notify(tr)
	return snap
}

// Reset 将熔断器恢复为 CLOSED 并清零失败计数。
func (t *Tracker) Reset(id string) {
	e := t.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	var tr *Transition
	if e.state != StateClosed {
		tr = &Transition{ServiceID: id, From: e.state, To: StateClosed, At: t.now()}
	}
	e.state = StateClosed
	e.failures = 0
	e.mu.Unlock()

	t.notify(tr)
}

// Snapshot 返回服务当前的熔断器状态。
func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	e := t.lookup(id)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(id), true
}

// All 按服务 ID 排序返回全部熔断器状态。
func (t *Tracker) All() []Snapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	entries := make(map[string]*entry, len(t.entries))
	for id, e := range t.entries {
		ids = append(ids, id)
		entries[id] = e
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		out = append(out, e.snapshot(id))
		e.mu.Unlock()
	}
	return out
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

func (t *Tracker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	t.log.Info("熔断器状态变化", slog.String("service_id", tr.ServiceID),
		slog.String("from", string(tr.From)), slog.String("to", string(tr.To)),
		slog.Int("failures", tr.Failures))

	t.mu.RLock()
	listeners := append([]func(Transition){}, t.listeners...)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(*tr)
	}
}

func (e *entry) snapshot(id string) Snapshot {
	return Snapshot{ServiceID: id, State: e.state, Failures: e.failures, LastAttempt: e.lastAttempt}
}
