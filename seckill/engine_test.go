package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/broker"
)

type capturingPublisher struct {
	events []broker.Event
	fail   error
}

func (p *capturingPublisher) Publish(_ context.Context, ev broker.Event) error {
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, ev)
	return nil
}

func TestRejectionMapsScriptStatuses(t *testing.T) {
	cases := []struct {
		status string
		want   error
	}{
		{"OK", nil},
		{"RATE_LIMITED", ErrRateLimited},
		{"ALREADY_PURCHASED", ErrAlreadyPurchased},
		{"NOT_ACTIVE", ErrNotActive},
		{"OUT_OF_STOCK", ErrOutOfStock},
		{"NOT_FOUND", ErrCampaignNotFound},
	}
	for _, tc := range cases {
		err := rejection(tc.status)
		if tc.want == nil {
			assert.NoError(t, err, tc.status)
		} else {
			assert.ErrorIs(t, err, tc.want, tc.status)
		}
	}

	assert.Error(t, rejection("GARBAGE"))
}

func TestRateKeyBucketsByWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	same := keyRate("u-1", base.Add(500*time.Millisecond), time.Second)
	assert.Equal(t, keyRate("u-1", base, time.Second), same)

	next := keyRate("u-1", base.Add(time.Second), time.Second)
	assert.NotEqual(t, keyRate("u-1", base, time.Second), next)

	other := keyRate("u-2", base, time.Second)
	assert.NotEqual(t, keyRate("u-1", base, time.Second), other)
}

func TestPriceNumber(t *testing.T) {
	assert.InDelta(t, 99.99, priceNumber("99.99"), 0.0001)
	assert.Zero(t, priceNumber("not a price"))
	assert.Zero(t, priceNumber(""))
}

func TestParseInt(t *testing.T) {
	assert.EqualValues(t, 42, parseInt("42"))
	assert.Zero(t, parseInt(nil))
	assert.Zero(t, parseInt("junk"))
}

func testEngine(t *testing.T, pub EventPublisher, path string) *Engine {
	t.Helper()
	return NewEngine(nil, pub, NewGhostLog(path), EngineConfig{}, slog.New(slog.DiscardHandler))
}

func TestReplayGhostsRepublishesWithOriginalEventID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghosts.jsonl")
	log := NewGhostLog(path)
	require.NoError(t, log.Append(GhostRecord{
		EventID:   "ev-ghost-1",
		ProductID: "p-1",
		UserID:    "u-1",
		Price:     "49.50",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, log.Append(GhostRecord{
		EventID:   "ev-ghost-2",
		ProductID: "p-1",
		UserID:    "u-2",
		Price:     "49.50",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC),
	}))

	pub := &capturingPublisher{}
	engine := testEngine(t, pub, path)

	n, err := engine.ReplayGhosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.events, 2)

	// The original event ID rides along so downstream idempotency absorbs
	// a second replay of the same log.
	assert.Equal(t, "ev-ghost-1", pub.events[0].ID)
	assert.Equal(t, broker.SeckillOrderWonEvent, pub.events[0].Type)
	data := pub.events[0].Data.(map[string]any)
	assert.Equal(t, "u-1", data["userId"])
	assert.InDelta(t, 49.50, data["price"].(float64), 0.0001)
	assert.Equal(t, "ev-ghost-2", pub.events[1].ID)
}

func TestReplayGhostsEmptyLog(t *testing.T) {
	pub := &capturingPublisher{}
	engine := testEngine(t, pub, filepath.Join(t.TempDir(), "empty.jsonl"))

	n, err := engine.ReplayGhosts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.events)
}

func TestReplayGhostsStopsOnPublishFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghosts.jsonl")
	log := NewGhostLog(path)
	require.NoError(t, log.Append(GhostRecord{EventID: "ev-1", ProductID: "p-1", UserID: "u-1", Price: "10"}))

	pub := &capturingPublisher{fail: errors.New("broker still down")}
	engine := testEngine(t, pub, path)

	n, err := engine.ReplayGhosts(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestInitValidatesCampaign(t *testing.T) {
	engine := testEngine(t, &capturingPublisher{}, filepath.Join(t.TempDir(), "g.jsonl"))

	start := time.Now()
	cases := []Campaign{
		{ProductID: "", Stock: 10, StartAt: start, EndAt: start.Add(time.Hour)},
		{ProductID: "p-1", Stock: 0, StartAt: start, EndAt: start.Add(time.Hour)},
		{ProductID: "p-1", Stock: 10, StartAt: start, EndAt: start},
	}
	for _, c := range cases {
		assert.Error(t, engine.Init(context.Background(), c))
	}
}
