package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/redis/go-redis/v9"
)

const defaultCheckpointKey = "inventory:checkpoints"

// advanceCheckpointsScript raises each partition's token, never lowering it.
var advanceCheckpointsScript = redis.NewScript(`
local key = KEYS[1]
for i = 1, #ARGV, 2 do
	local field = ARGV[i]
	local token = tonumber(ARGV[i + 1])
	local current = tonumber(redis.call('HGET', key, field) or '0')
	if token > current then
		redis.call('HSET', key, field, token)
	end
end
return 1
`)

// CheckpointStore keeps per-partition feed positions in one Redis hash.
type CheckpointStore struct {
	client *redis.Client
	key    string
}

func NewCheckpointStore(client *redis.Client, key string) *CheckpointStore {
	if key == "" {
		key = defaultCheckpointKey
	}
	return &CheckpointStore{client: client, key: key}
}

func (s *CheckpointStore) Load(ctx context.Context) (store.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	cp := make(store.Checkpoint, len(fields))
	for pk, raw := range fields {
		token, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint for %s is not a token: %w", pk, err)
		}
		cp[pk] = token
	}
	return cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp store.Checkpoint) error {
	if len(cp) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(cp))
	for pk, token := range cp {
		args = append(args, pk, token)
	}
	if err := advanceCheckpointsScript.Run(ctx, s.client, []string{s.key}, args...).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoints: %w", err)
	}
	return nil
}
