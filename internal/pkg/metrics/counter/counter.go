package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const webhookEventsKey = "webhook:counters:events"

// Outcomes recorded per webhook event type.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// WebhookCounter keeps running totals of webhook deliveries in a Redis hash,
// one field per "<event type>|<outcome>".
type WebhookCounter struct {
	client *redis.Client
}

func NewWebhookCounter(client *redis.Client) *WebhookCounter {
	return &WebhookCounter{client: client}
}

// Add increments the counter for one delivery.
func (w *WebhookCounter) Add(ctx context.Context, eventType, outcome string) error {
	if eventType == "" {
		eventType = "unknown"
	}
	return w.client.HIncrBy(ctx, webhookEventsKey, eventType+"|"+outcome, 1).Err()
}

// Snapshot returns counts grouped by event type, then outcome.
func (w *WebhookCounter) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	raw, err := w.client.HGetAll(ctx, webhookEventsKey).Result()
	if err != nil {
		return nil, err
	}
	return group(raw), nil
}

// Reset drains the hash and returns what it held. RENAME moves the hash
// aside atomically, so increments racing with it land in a fresh hash.
func (w *WebhookCounter) Reset(ctx context.Context) (map[string]map[string]int64, error) {
	tmpKey := webhookEventsKey + ":draining"
	if err := w.client.Rename(ctx, webhookEventsKey, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return map[string]map[string]int64{}, nil
		}
		return nil, err
	}
	raw, err := w.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	if err := w.client.Del(ctx, tmpKey).Err(); err != nil {
		return nil, err
	}
	return group(raw), nil
}

func group(raw map[string]string) map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	for field, val := range raw {
		eventType, outcome, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if out[eventType] == nil {
			out[eventType] = make(map[string]int64)
		}
		out[eventType][outcome] = n
	}
	return out
}
