package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := NewBus(store.NewMemory(), logger, "")
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestPublish_PersistsAndFansOut(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ev, err := model.NewEvent(model.EventListingCreated, model.TypeListing, uuid.New(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, model.EventListingCreated, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	since, err := b.Since(ctx, ev.Timestamp.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, ev.ID, since[0].ID)
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Overfill the subscriber buffer without draining it.
	for range 100 {
		ev, err := model.NewEvent(model.EventTaskStatusChanged, model.TypeTask, uuid.New(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, ev))
	}

	// All events were persisted even though some fan-out deliveries dropped.
	since, err := b.Since(ctx, time.Now().UTC().Add(-time.Minute), 200)
	require.NoError(t, err)
	assert.Len(t, since, 100)
}

func TestSince_OrderAndPayload(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	entity := uuid.New()
	first, err := model.NewEvent(model.EventMatchProposed, model.TypeMatch, entity, nil, model.MatchProposedPayload{
		ListingID: uuid.New(),
		DemandID:  uuid.New(),
		Score:     87.5,
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, first))

	second, err := model.NewEvent(model.EventMatchAccepted, model.TypeMatch, entity, nil, nil)
	require.NoError(t, err)
	second.Timestamp = first.Timestamp.Add(time.Millisecond)
	require.NoError(t, b.Publish(ctx, second))

	got, err := b.Since(ctx, first.Timestamp.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventMatchProposed, got[0].Type, "oldest first")

	var payload model.MatchProposedPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, 87.5, payload.Score)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := newBus(t)
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
