// Package dialogue is the boundary to the conversation service. The webhook
// processor calls StartDialogue once per answered call; the conversation itself runs
// elsewhere.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Starter triggers the survey dialogue for an answered call.
type Starter interface {
	StartDialogue(ctx context.Context, req StartRequest) error
}

type StartRequest struct {
	CallID     string    `json:"call_id"`
	CampaignID string    `json:"campaign_id"`
	ContactID  string    `json:"contact_id"`
	AnsweredAt time.Time `json:"answered_at"`
}

const DefaultQueueKey = "dialogue:start"

// RedisQueue pushes start requests onto a Redis list consumed by dialogue workers.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) StartDialogue(ctx context.Context, req StartRequest) error {
	if q.rdb == nil {
		return errors.New("dialogue: redis client is nil")
	}
	if req.CallID == "" {
		return errors.New("dialogue: call_id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dialogue: encode start request: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("dialogue: enqueue start request: %w", err)
	}
	return nil
}
