package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultAlertPrefix = "inventory:alerted:"

// AlertThrottle lets one alert per partition through per cooldown window.
type AlertThrottle struct {
	client   *redis.Client
	prefix   string
	cooldown time.Duration
}

func NewAlertThrottle(client *redis.Client, cooldown time.Duration) *AlertThrottle {
	return &AlertThrottle{client: client, prefix: defaultAlertPrefix, cooldown: cooldown}
}

// Allow reports whether no alert was sent for the partition within the cooldown.
func (a *AlertThrottle) Allow(ctx context.Context, partitionKey string) (bool, error) {
	ok, err := a.client.SetNX(ctx, a.prefix+partitionKey, time.Now().UTC().Format(time.RFC3339), a.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check alert throttle: %w", err)
	}
	return ok, nil
}
