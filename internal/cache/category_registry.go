// Package cache holds the Redis-backed master-category registry shared by
// every engine process pointed at the same IMAP mailbox.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// hashClient is the subset of redis.Cmdable the registry uses.
type hashClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// RedisCategoryRegistry implements mailbox.CategoryRegistry on two Redis
// hashes: one keyed by lower-cased name, one mapping ids to names. HSETNX
// on the name hash is what makes concurrent creates safe.
type RedisCategoryRegistry struct {
	client hashClient
	closer func() error
	prefix string
}

var _ mailbox.CategoryRegistry = (*RedisCategoryRegistry)(nil)

type storedCategory struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// NewRedisCategoryRegistry connects to Redis and verifies the connection.
func NewRedisCategoryRegistry(ctx context.Context, cfg RedisConfig) (*RedisCategoryRegistry, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r := newRegistry(client, cfg.KeyPrefix)
	r.closer = client.Close
	return r, nil
}

func newRegistry(client hashClient, prefix string) *RedisCategoryRegistry {
	if prefix == "" {
		prefix = "rfqmail:"
	}
	return &RedisCategoryRegistry{client: client, prefix: prefix}
}

// Close releases the connection pool.
func (r *RedisCategoryRegistry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *RedisCategoryRegistry) byNameKey() string { return r.prefix + "categories" }
func (r *RedisCategoryRegistry) byIDKey() string   { return r.prefix + "category_ids" }

// ListCategories implements mailbox.CategoryRegistry.
func (r *RedisCategoryRegistry) ListCategories(ctx context.Context) ([]mailbox.MasterCategory, error) {
	all, err := r.client.HGetAll(ctx, r.byNameKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list categories: %w", err)
	}
	out := make([]mailbox.MasterCategory, 0, len(all))
	for field, raw := range all {
		var c storedCategory
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode category %q: %w", field, err)
		}
		out = append(out, mailbox.MasterCategory{ID: c.ID, Name: c.Name, Color: c.Color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateCategory implements mailbox.CategoryRegistry.
func (r *RedisCategoryRegistry) CreateCategory(ctx context.Context, name, color string) (*mailbox.MasterCategory, error) {
	c := storedCategory{ID: uuid.NewString(), Name: strings.TrimSpace(name), Color: color}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	created, err := r.client.HSetNX(ctx, r.byNameKey(), strings.ToLower(c.Name), raw).Result()
	if err != nil {
		return nil, fmt.Errorf("redis create category %q: %w", name, err)
	}
	if !created {
		return nil, fmt.Errorf("category %q: %w", name, mailbox.ErrAlreadyExists)
	}
	if err := r.client.HSet(ctx, r.byIDKey(), c.ID, strings.ToLower(c.Name)).Err(); err != nil {
		return nil, fmt.Errorf("redis index category %q: %w", name, err)
	}
	return &mailbox.MasterCategory{ID: c.ID, Name: c.Name, Color: c.Color}, nil
}

// UpdateCategoryColor implements mailbox.CategoryRegistry.
func (r *RedisCategoryRegistry) UpdateCategoryColor(ctx context.Context, id, color string) error {
	field, err := r.client.HGet(ctx, r.byIDKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("category %s: %w", id, mailbox.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis lookup category %s: %w", id, err)
	}
	raw, err := r.client.HGet(ctx, r.byNameKey(), field).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("category %s: %w", id, mailbox.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis read category %s: %w", id, err)
	}
	var c storedCategory
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return fmt.Errorf("decode category %s: %w", id, err)
	}
	c.Color = color
	updated, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.byNameKey(), field, updated).Err(); err != nil {
		return fmt.Errorf("redis recolor category %s: %w", id, err)
	}
	return nil
}
