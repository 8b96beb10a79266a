package traffic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
	"github.com/redis/go-redis/v9"
)

const policyKeyPrefix = "traffic:policy:"

// RedisPublisher writes each committed policy as one JSON value, keyed by
// service. The load balancer reads the key and converges its routing
// within its own propagation delay; a single SET keeps the handoff atomic
// on the Redis side as well.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, policy model.TrafficPolicy) error {
	if p.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal traffic policy: %w", err)
	}
	if err := p.rdb.Set(ctx, policyKeyPrefix+policy.ServiceName, payload, 0).Err(); err != nil {
		return fmt.Errorf("publish traffic policy: %w", err)
	}
	return nil
}
