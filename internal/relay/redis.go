package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布参数。
type RedisConfig struct {
	Address   string `yaml:"address" env:"ADDRESS"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	Channel   string `yaml:"channel" env:"CHANNEL"`
	List      string `yaml:"list" env:"LIST"`
	ListLimit int64  `yaml:"list_limit" env:"LIST_LIMIT"`
}

// RedisPublisher 通过 PUBLISH 广播事件，并在定长 list 中保留最近的事件。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	list    string
	limit   int64
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher 连接 Redis。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "bandburg:events"
	}
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = 1000
	}
	return &RedisPublisher{client: client, channel: channel, list: cfg.List, limit: limit}
}

// Name 实现 Publisher。
func (p *RedisPublisher) Name() string { return "redis" }

// Publish 在一个 pipeline 中发布并写入 list。
func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, body)
		if p.list != "" {
			pipe.LPush(ctx, p.list, body)
			pipe.LTrim(ctx, p.list, 0, p.limit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
