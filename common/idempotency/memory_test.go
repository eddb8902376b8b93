package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMarkAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seen, err := s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "ev-1", time.Hour))

	seen, err = s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.IsProcessed(ctx, "ev-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreMarkerExpires(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "ev-1", time.Minute))

	now = now.Add(59 * time.Second)
	seen, err := s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Second)
	seen, err = s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen, "expired markers read as unseen")
}

func TestMemoryStoreMarkIsWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "ev-1", time.Minute))

	// A second mark must not extend the original expiry
	now = now.Add(30 * time.Second)
	require.NoError(t, s.MarkProcessed(ctx, "ev-1", time.Hour))

	now = now.Add(31 * time.Second)
	seen, err := s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreZeroTTLGetsDefault(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "ev-1", 0))

	now = now.Add(DefaultTTL - time.Second)
	seen, err := s.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
