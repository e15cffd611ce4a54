package redisclient

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"rental-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis")
	}
	c, err := NewClient(addr, os.Getenv("REDIS_PASSWORD"), 0, Options{OutcomeTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordOutcomeOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	ref := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer c.GetClient().Del(ctx, outcomeKey(ref))

	prev, err := c.RecordOutcome(ctx, ref, models.PaymentSucceeded)
	require.NoError(t, err)
	assert.Empty(t, prev)

	prev, err = c.RecordOutcome(ctx, ref, models.PaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, prev)

	got, err := c.LookupOutcome(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, got)
}

func TestAvailabilityInvalidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	modelID := time.Now().UnixNano() % 1_000_000
	defer c.GetClient().Del(ctx, availabilityVersionKey(modelID))

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	w := models.Window{Start: start, End: start.Add(24 * time.Hour)}

	_, found, token, err := c.CachedAvailability(ctx, modelID, w)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.StoreAvailability(ctx, modelID, w, token, true))
	available, found, _, err := c.CachedAvailability(ctx, modelID, w)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, available)

	require.NoError(t, c.InvalidateAvailability(ctx, modelID))
	_, found, _, err = c.CachedAvailability(ctx, modelID, w)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeyShapes(t *testing.T) {
	assert.Equal(t, "payment:outcome:123", outcomeKey("123"))
	assert.Equal(t, "availability:7:version", availabilityVersionKey(7))
}
