package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"rental-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/record_outcome.lua
var recordOutcomeScript string

//go:embed scripts/availability_get.lua
var availabilityGetScript string

type Client struct {
	rdb             *redis.Client
	outcomeScript   *redis.Script
	availScript     *redis.Script
	outcomeTTL      time.Duration
	availabilityTTL time.Duration
}

// Options tunes key lifetimes.
type Options struct {
	OutcomeTTL      time.Duration
	AvailabilityTTL time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if opts.OutcomeTTL <= 0 {
		opts.OutcomeTTL = 24 * time.Hour
	}
	if opts.AvailabilityTTL <= 0 {
		opts.AvailabilityTTL = 30 * time.Second
	}

	return &Client{
		rdb:             rdb,
		outcomeScript:   redis.NewScript(recordOutcomeScript),
		availScript:     redis.NewScript(availabilityGetScript),
		outcomeTTL:      opts.OutcomeTTL,
		availabilityTTL: opts.AvailabilityTTL,
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func outcomeKey(ref string) string {
	return fmt.Sprintf("payment:outcome:%s", ref)
}

// LookupOutcome returns the terminal status already recorded for a gateway
// reference, or an empty string.
func (c *Client) LookupOutcome(ctx context.Context, ref string) (models.PaymentStatus, error) {
	val, err := c.rdb.Get(ctx, outcomeKey(ref)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return models.PaymentStatus(val), nil
}

// RecordOutcome atomically records a terminal status for a gateway reference
// unless one is already present. It returns the status previously recorded,
// or an empty string when this call wrote it.
func (c *Client) RecordOutcome(ctx context.Context, ref string, status models.PaymentStatus) (models.PaymentStatus, error) {
	ttl := int64(c.outcomeTTL / time.Second)
	result, err := c.outcomeScript.Run(ctx, c.rdb, []string{outcomeKey(ref)}, string(status), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("record outcome script failed: %w", err)
	}

	prev, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected script result type")
	}
	return models.PaymentStatus(prev), nil
}

func availabilityVersionKey(modelID int64) string {
	return fmt.Sprintf("availability:%d:version", modelID)
}

func availabilityWindow(w models.Window) string {
	return fmt.Sprintf("%d:%d", w.Start.Unix(), w.End.Unix())
}

// CachedAvailability returns the cached answer for a model and window along
// with the version token the answer was read under.
func (c *Client) CachedAvailability(ctx context.Context, modelID int64, w models.Window) (available, found bool, token int64, err error) {
	result, err := c.availScript.Run(ctx, c.rdb,
		[]string{availabilityVersionKey(modelID)}, availabilityWindow(w)).Result()
	if err != nil {
		return false, false, 0, fmt.Errorf("availability script failed: %w", err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return false, false, 0, fmt.Errorf("unexpected script result type")
	}
	versionStr, _ := parts[0].(string)
	token, _ = strconv.ParseInt(versionStr, 10, 64)

	value, _ := parts[1].(string)
	if value == "" {
		return false, false, token, nil
	}
	return value == "1", true, token, nil
}

// StoreAvailability caches an answer under the version token it was computed for.
// A bump in between makes the entry unreachable.
func (c *Client) StoreAvailability(ctx context.Context, modelID int64, w models.Window, token int64, available bool) error {
	key := fmt.Sprintf("availability:%d:v%d:%s", modelID, token, availabilityWindow(w))
	val := "0"
	if available {
		val = "1"
	}
	return c.rdb.Set(ctx, key, val, c.availabilityTTL).Err()
}

// InvalidateAvailability bumps the model's version so every cached answer is dropped.
func (c *Client) InvalidateAvailability(ctx context.Context, modelID int64) error {
	return c.rdb.Incr(ctx, availabilityVersionKey(modelID)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
