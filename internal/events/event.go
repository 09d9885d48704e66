// Package events 发布插件与服务的生命周期事件。发布失败只记录日志，不影响触发事件的操作。
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Mesh/pkg/logger"
)

// Type 标识事件类型，同时用作消息路由键。
type Type string

const (
	PluginRegistered   Type = "plugin.registered"
	PluginUpdated      Type = "plugin.updated"
	PluginUnregistered Type = "plugin.unregistered"
	PluginEnabled      Type = "plugin.enabled"
	PluginDisabled     Type = "plugin.disabled"
	PluginStarted      Type = "plugin.started"
	PluginStopped      Type = "plugin.stopped"
	PluginReloaded     Type = "plugin.reloaded"

	ServiceRegistered    Type = "service.registered"
	ServiceUpdated       Type = "service.updated"
	ServiceUnregistered  Type = "service.unregistered"
	ServiceHealthChanged Type = "service.health_changed"

	BreakerOpened Type = "breaker.opened"
	BreakerClosed Type = "breaker.closed"
)

// Event 是一次生命周期变化。
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Subject    string         `json:"subject"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New 创建带唯一 ID 的事件。
func New(typ Type, subject string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Marshal 将事件编码为 JSON。
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Emitter 包装 Publisher：构造事件、限制发布耗时、吞掉并记录发布错误。
type Emitter struct {
	pub     Publisher
	timeout time.Duration
	log     *slog.Logger
}

// NewEmitter 创建 Emitter。pub 为 nil 时所有事件被丢弃。
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub, timeout: 2 * time.Second, log: logger.Named("events")}
}

// Emit 发布事件并返回其 ID。
func (e *Emitter) Emit(ctx context.Context, typ Type, subject string, payload map[string]any) string {
	if e == nil || e.pub == nil {
		return ""
	}
	event := New(typ, subject, payload)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.pub.Publish(ctx, event); err != nil {
		e.log.Warn("发布事件失败", slog.String("type", string(typ)), slog.String("subject", subject), slog.Any("error", err))
	}
	return event.ID
}

// Nop 丢弃全部事件。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }
