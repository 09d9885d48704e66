package mesh

import (
	"sync"
	"time"
)

// DefaultWindow 是限流计数窗口的长度。
const DefaultWindow = time.Minute

// RateLimiter 按服务 ID 维护固定窗口计数：窗口从该服务第一次请求开始计时，
// 到期后计数清零，不做滑动。
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	size    time.Duration
	now     func() time.Time
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// NewRateLimiter 创建限流器。size 小于等于 0 时使用 DefaultWindow。
func NewRateLimiter(size time.Duration, now func() time.Time) *RateLimiter {
	if size <= 0 {
		size = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{windows: make(map[string]*window), size: size, now: now}
}

// Allow 在当前窗口计数小于 limit 时计数加一并返回 true。limit 小于等于 0 表示不限流。
func (l *RateLimiter) Allow(id string, limit int) bool {
	if limit <= 0 {
		return true
	}
	w := l.window(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := l.now()
	if w.start.IsZero() || now.Sub(w.start) >= l.size {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Available 判断当前窗口是否还有额度，不计数。
func (l *RateLimiter) Available(id string, limit int) bool {
	if limit <= 0 {
		return true
	}
	l.mu.RLock()
	w := l.windows[id]
	l.mu.RUnlock()
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || l.now().Sub(w.start) >= l.size {
		return true
	}
	return w.count < limit
}

// Usage 返回当前窗口内的计数与窗口重置时间。
func (l *RateLimiter) Usage(id string) (count int, resetAt time.Time) {
	l.mu.RLock()
	w := l.windows[id]
	l.mu.RUnlock()
	if w == nil {
		return 0, time.Time{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || l.now().Sub(w.start) >= l.size {
		return 0, time.Time{}
	}
	return w.count, w.start.Add(l.size)
}

// Forget 丢弃服务的计数。
func (l *RateLimiter) Forget(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

func (l *RateLimiter) window(id string) *window {
	l.mu.RLock()
	w := l.windows[id]
	l.mu.RUnlock()
	if w != nil {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w = l.windows[id]; w == nil {
		w = &window{}
		l.windows[id] = w
	}
	return w
}
