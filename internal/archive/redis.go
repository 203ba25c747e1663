package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/esnunes/forkline/internal/models"
)

const artifactTTL = 7 * 24 * time.Hour

// Redis pushes artifacts onto a per-project list so other consumers can pick
// them up without querying the record store.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client, ttl: artifactTTL}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// artifactsKey returns the key for a project's artifact list.
func artifactsKey(projectID string) string {
	return fmt.Sprintf("project:%s:artifacts", projectID)
}

func (r *Redis) Archive(ctx context.Context, assets []models.FileAsset) error {
	if len(assets) == 0 {
		return nil
	}
	byKey := make(map[string][]any)
	for _, a := range assets {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshaling artifact: %w", err)
		}
		key := artifactsKey(a.ProjectID)
		byKey[key] = append(byKey[key], data)
	}

	pipe := r.client.TxPipeline()
	for key, values := range byKey {
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing artifacts to redis: %w", err)
	}
	return nil
}
