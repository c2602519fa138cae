package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/pkg/logger"
	"github.com/hs-classifier/backend/pkg/utils"
)

const (
	sessionPrefix   = "session:"
	embeddingPrefix = "embedding:"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// Wrap uses an existing go-redis client, e.g. one pointed at miniredis.
func Wrap(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetSession(ctx context.Context, key string, sess *catalog.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = c.client.Set(ctx, sessionPrefix+key, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set session cache: %w", err)
	}

	logger.Debug("Session cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetSession(ctx context.Context, key string) (*catalog.Session, bool, error) {
	data, err := c.client.Get(ctx, sessionPrefix+key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("session").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session cache: %w", err)
	}

	var sess catalog.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	metrics.CacheHits.WithLabelValues("session").Inc()
	logger.Debug("Session cache hit", zap.String("key", key))
	return &sess, true, nil
}

// Embeddings are keyed by model and text so a model change never serves
// vectors from the old space.
func embeddingKey(model, text string) string {
	return embeddingPrefix + utils.HashKey(model, text)
}

func (c *Client) SetEmbedding(ctx context.Context, model, text string, vector []float32, ttl time.Duration) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, embeddingKey(model, text), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("model", model))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(model, text)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return embedding, true, nil
}

// InvalidateSessions drops every cached session, e.g. after a catalog import
// changed what queries resolve to.
func (c *Client) InvalidateSessions(ctx context.Context) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, sessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Session cache invalidated", zap.Int("deleted", deleted))
	return deleted, nil
}
