package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"grid_scout/internal/domain"
)

const defaultTTL = 6 * time.Hour

// Cache keeps terminal responses in Redis keyed by request id, so a
// resubmitted id can be answered without re-dispatching. Entries
// expire on TTL; the sqlite archive is the durable record.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type Config struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

func New(cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "resp"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return &Cache{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Cache) key(requestID string) string {
	return c.prefix + ":" + requestID
}

func (c *Cache) PutResponse(ctx context.Context, resp domain.Response) error {
	if resp.RequestID == "" {
		return fmt.Errorf("response has no request id")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := c.client.Set(ctx, c.key(resp.RequestID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache response %s: %w", resp.RequestID, err)
	}
	return nil
}

func (c *Cache) GetResponse(ctx context.Context, requestID string) (domain.Response, bool, error) {
	data, err := c.client.Get(ctx, c.key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Response{}, false, nil
		}
		return domain.Response{}, false, fmt.Errorf("cache lookup %s: %w", requestID, err)
	}
	var resp domain.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.Response{}, false, fmt.Errorf("decode cached response %s: %w", requestID, err)
	}
	return resp, true, nil
}
