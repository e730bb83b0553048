// Package events persists domain events and fans them out to in-process
// subscribers. When a NATS URL is configured the bus also mirrors every
// event to the message bus so external consumers (analytics, partner
// integrations) see the same stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// SubjectPrefix is the NATS subject root; the event type is appended, so
// listing.created publishes on "shareloop.events.listing.created".
const SubjectPrefix = "shareloop.events."

// Bus persists and distributes domain events.
type Bus struct {
	db     store.Store
	logger *slog.Logger
	nc     *nats.Conn

	mu          sync.RWMutex
	subscribers map[chan model.DomainEvent]struct{}
}

// NewBus creates a bus over db. natsURL may be empty; the bus then runs
// in-process only.
func NewBus(db store.Store, logger *slog.Logger, natsURL string) (*Bus, error) {
	b := &Bus{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan model.DomainEvent]struct{}),
	}
	if natsURL != "" {
		nc, err := nats.Connect(natsURL,
			nats.Name("shareloop-events"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("events: connect nats: %w", err)
		}
		b.nc = nc
	}
	return b, nil
}

// Publish persists the event and fans it out. Persistence failure is
// returned; fan-out and the NATS mirror are best-effort.
func (b *Bus) Publish(ctx context.Context, ev model.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	rec := store.EventRecord{
		ID:        ev.ID.String(),
		EventType: string(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      data,
	}
	if err := b.db.AppendEvent(ctx, rec); err != nil {
		return fmt.Errorf("events: persist %s: %w", ev.Type, err)
	}

	b.broadcast(ev)

	if b.nc != nil {
		if err := b.nc.Publish(SubjectPrefix+string(ev.Type), data); err != nil {
			b.logger.Warn("events: nats publish", "type", ev.Type, "error", err)
		}
	}
	return nil
}

// Subscribe returns a buffered channel of future events. The caller must
// call Unsubscribe when done.
func (b *Bus) Subscribe() chan model.DomainEvent {
	ch := make(chan model.DomainEvent, 64) // buffer so one slow consumer cannot stall Publish
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan model.DomainEvent) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast delivers to all subscribers. A subscriber with a full buffer
// misses the event rather than blocking everyone else.
func (b *Bus) broadcast(ev model.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("events: subscriber buffer full, dropping", "type", ev.Type)
		}
	}
}

// Since returns persisted events after the given time, oldest first. It
// backs the polling endpoint for consumers that cannot hold a subscription.
func (b *Bus) Since(ctx context.Context, since time.Time, limit int) ([]model.DomainEvent, error) {
	recs, err := b.db.EventsSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("events: query since: %w", err)
	}
	out := make([]model.DomainEvent, 0, len(recs))
	for _, rec := range recs {
		var ev model.DomainEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", rec.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close drains the NATS connection if one exists.
func (b *Bus) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn("events: drain nats", "error", err)
		}
	}
}
