package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/inventory-ledger/internal/projection"
	"github.com/redis/go-redis/v9"
)

const defaultQuarantineKey = "inventory:quarantine"

// Quarantine appends skipped events to a Redis list for reconciliation.
type Quarantine struct {
	client *redis.Client
	key    string
}

func NewQuarantine(client *redis.Client, key string) *Quarantine {
	if key == "" {
		key = defaultQuarantineKey
	}
	return &Quarantine{client: client, key: key}
}

func (q *Quarantine) Put(ctx context.Context, entry projection.QuarantineEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to quarantine event: %w", err)
	}
	return nil
}

// List returns up to limit quarantined entries, oldest first.
func (q *Quarantine) List(ctx context.Context, limit int64) ([]projection.QuarantineEntry, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine: %w", err)
	}

	entries := make([]projection.QuarantineEntry, 0, len(raw))
	for _, item := range raw {
		var entry projection.QuarantineEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("corrupt quarantine entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of quarantined entries.
func (q *Quarantine) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
