package agent

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/yusiwen/streamctl/log"
)

// Publisher delivers an encoded command to one VPS agent. Delivery is
// at-most-once per call; retries belong to the command outbox.
type Publisher interface {
	Publish(ctx context.Context, vpsID uint, payload string) error
}

type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher publishes to fmt.Sprintf(channel, vpsID), e.g. "vps-commands:%d".
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Channel(vpsID uint) string {
	return fmt.Sprintf(p.channel, vpsID)
}

func (p *RedisPublisher) Publish(ctx context.Context, vpsID uint, payload string) error {
	ch := p.Channel(vpsID)
	receivers, err := p.client.Publish(ctx, ch, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", ch, err)
	}
	if receivers == 0 {
		log.NewLogger(vpsID, log.VpsId).Warn("no agent subscribed on ", ch)
	}
	return nil
}
