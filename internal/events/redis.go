package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Mesh/internal/errors"
)

// RedisPublisher 通过 Redis Pub/Sub 广播事件，频道名为 prefix + 事件类型。
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisPublisher 使用已有客户端创建发布端，Close 不会关闭该客户端。
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "openmcp:mesh:events:"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// DialRedisPublisher 建立独立连接并创建发布端。
func DialRedisPublisher(ctx context.Context, addr, password string, db int, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "连接 Redis 失败")
	}
	p := NewRedisPublisher(client, prefix)
	p.owned = true
	return p, nil
}

// Channel 返回事件类型对应的频道名。
func (p *RedisPublisher) Channel(typ Type) string {
	return p.prefix + string(typ)
}

// Publish 实现 Publisher 接口。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	if err := p.client.Publish(ctx, p.Channel(event.Type), body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 实现 Publisher 接口。
func (p *RedisPublisher) Close() error {
	if p == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}
