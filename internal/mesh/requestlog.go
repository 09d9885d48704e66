package mesh

import (
	"sync"
	"time"
)

// DefaultLogCapacity 是请求日志保留的最大条目数。
const DefaultLogCapacity = 1000

// LogEntry 记录一次已发出的调用。
type LogEntry struct {
	ServiceID string        `json:"service_id"`
	TraceID   string        `json:"trace_id"`
	Method    string        `json:"method"`
	Endpoint  string        `json:"endpoint"`
	Status    int           `json:"status"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// RequestLog 是固定容量的环形缓冲区，写满后覆盖最旧的条目。
type RequestLog struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	size    int

	total     uint64
	succeeded uint64
	elapsed   time.Duration
}

// NewRequestLog 创建请求日志。capacity 小于等于 0 时使用 DefaultLogCapacity。
func NewRequestLog(capacity int) *RequestLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &RequestLog{entries: make([]LogEntry, capacity)}
}

// Append 写入一条记录。
func (l *RequestLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	l.total++
	if e.Success {
		l.succeeded++
	}
	l.elapsed += e.Duration
}

// Recent 按时间倒序返回最多 limit 条记录，limit 小于等于 0 返回全部。
func (l *RequestLog) Recent(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]LogEntry, 0, limit)
	idx := l.next
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Len 返回缓冲区中的条目数。
func (l *RequestLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity 返回缓冲区容量。
func (l *RequestLog) Capacity() int {
	return len(l.entries)
}

// Stats 汇总自启动以来的调用情况。
type Stats struct {
	TotalRequests       uint64        `json:"total_requests"`
	Successful          uint64        `json:"successful"`
	Failed              uint64        `json:"failed"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Logged              int           `json:"logged"`
	Capacity            int           `json:"capacity"`
}

func (l *RequestLog) stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		TotalRequests: l.total,
		Successful:    l.succeeded,
		Failed:        l.total - l.succeeded,
		Logged:        l.size,
		Capacity:      len(l.entries),
	}
	if l.total > 0 {
		s.SuccessRate = float64(l.succeeded) / float64(l.total)
		s.AverageResponseTime = l.elapsed / time.Duration(l.total)
	}
	return s
}
