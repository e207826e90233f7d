package dialogue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQueue(client, "")

	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, q.StartDialogue(ctx, StartRequest{CallID: "call-1", CampaignID: "camp-1", ContactID: "c-1", AnsweredAt: at}))
	require.NoError(t, q.StartDialogue(ctx, StartRequest{CallID: "call-2"}))

	n, err := client.LLen(ctx, DefaultQueueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	raw, err := client.LPop(ctx, DefaultQueueKey).Result()
	require.NoError(t, err)
	var got StartRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, "c-1", got.ContactID)
	assert.True(t, got.AnsweredAt.Equal(at))
}

func TestRedisQueue_RequiresCallID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "q")
	require.Error(t, q.StartDialogue(context.Background(), StartRequest{}))
}

func TestRedisQueue_SurfacesRedisErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	q := NewRedisQueue(client, "q")
	mr.Close()

	require.Error(t, q.StartDialogue(context.Background(), StartRequest{CallID: "call-1"}))
}
