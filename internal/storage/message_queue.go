package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// MessageQueue 通过Redis Pub/Sub转发读数，不保留历史
type MessageQueue struct {
	client  *redis.Client
	channel string
	log     *logrus.Logger
}

func NewMessageQueue(cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	return &MessageQueue{
		client:  client,
		channel: cfg.Channel,
		log:     log,
	}, nil
}

func (mq *MessageQueue) Name() string { return config.SinkRedis }

// Submit 发布到频道
func (mq *MessageQueue) Submit(ctx context.Context, p protocol.Point) error {
	jsonData, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	if err := mq.client.Publish(ctx, mq.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	stats := mq.GetStats()
	mq.log.Infof("关闭Redis连接, 连接池: total=%d idle=%d hits=%d misses=%d timeouts=%d",
		stats.TotalConns, stats.IdleConns, stats.Hits, stats.Misses, stats.Timeouts)
	return mq.client.Close()
}

// GetStats 连接池统计
func (mq *MessageQueue) GetStats() *redis.PoolStats {
	return mq.client.PoolStats()
}
