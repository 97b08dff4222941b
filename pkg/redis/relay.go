package redis

import (
	"context"
	"fmt"

	"workspace-im/pkg/logger"

	"go.uber.org/zap"
)

// Relay 基于 Redis Pub/Sub 的跨实例事件转发
type Relay struct {
	channel string
}

// NewRelay 创建转发器
func NewRelay(channel string) *Relay {
	return &Relay{channel: channel}
}

// Publish 发布事件
func (r *Relay) Publish(c context.Context, payload []byte) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return client.Publish(c, r.channel, payload).Err()
}

// Run 订阅频道并把收到的事件交给 handle，直到 ctx 结束
func (r *Relay) Run(c context.Context, handle func([]byte)) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	sub := client.Subscribe(c, r.channel)
	defer sub.Close()

	// 等待订阅确认
	if _, err := sub.Receive(c); err != nil {
		return fmt.Errorf("订阅频道失败: %w", err)
	}
	logger.Info("已订阅事件转发频道", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-c.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}
