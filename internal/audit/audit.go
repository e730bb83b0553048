// Package audit writes the immutable change trail. Every state change records
// who did what, the before/after snapshots, and a field-level diff. Audit
// failures never fail the triggering operation; they are logged and dropped.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// Recorder appends audit events and serves history queries.
type Recorder struct {
	db            store.Store
	logger        *slog.Logger
	retentionDays int
}

// NewRecorder creates a recorder. retentionDays stamps ExpiresAt on every
// record for eventual physical deletion.
func NewRecorder(db store.Store, logger *slog.Logger, retentionDays int) *Recorder {
	return &Recorder{db: db, logger: logger, retentionDays: retentionDays}
}

// Entry describes one change to record.
type Entry struct {
	EntityType    model.EntityType
	EntityID      uuid.UUID
	Actor         model.Actor
	ActorRole     model.Role
	Action        string
	Before        any
	After         any
	Justification string
	RequestID     string
}

// Record appends an audit event. Errors are logged, never returned: the
// business operation has already committed and must not be rolled back for
// a trail failure.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	ev, err := r.build(e)
	if err != nil {
		r.logger.Error("audit: build event", "entity", e.EntityID, "action", e.Action, "error", err)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("audit: marshal event", "entity", e.EntityID, "action", e.Action, "error", err)
		return
	}
	rec := store.AuditRecord{
		ID:        ev.ID.String(),
		EntityID:  ev.EntityID.String(),
		ActorID:   ev.Actor.String(),
		Timestamp: ev.Timestamp,
		ExpiresAt: ev.ExpiresAt,
		Data:      data,
	}
	if err := r.db.AppendAudit(ctx, rec); err != nil {
		r.logger.Error("audit: append event", "entity", e.EntityID, "action", e.Action, "error", err)
	}
}

func (r *Recorder) build(e Entry) (model.AuditEvent, error) {
	now := time.Now().UTC()
	ev := model.AuditEvent{
		ID:            uuid.New(),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Timestamp:     now,
		Actor:         e.Actor.UserID,
		ActorRole:     e.ActorRole,
		Action:        e.Action,
		Justification: e.Justification,
		RequestID:     e.RequestID,
		ExpiresAt:     now.AddDate(0, 0, r.retentionDays),
	}
	if e.ActorRole == "" && len(e.Actor.Roles) > 0 {
		ev.ActorRole = e.Actor.Roles[0]
	}

	var beforeDoc, afterDoc map[string]any
	if e.Before != nil {
		raw, doc, err := canonicalize(e.Before)
		if err != nil {
			return model.AuditEvent{}, fmt.Errorf("audit: canonicalize before: %w", err)
		}
		ev.Before = raw
		beforeDoc = doc
	}
	if e.After != nil {
		raw, doc, err := canonicalize(e.After)
		if err != nil {
			return model.AuditEvent{}, fmt.Errorf("audit: canonicalize after: %w", err)
		}
		ev.After = raw
		afterDoc = doc
	}
	ev.Diff = Diff(beforeDoc, afterDoc)
	return ev, nil
}

// canonicalize marshals v and reparses it into a generic document so that
// diffs compare JSON values, not Go types.
func canonicalize(v any) (json.RawMessage, map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	return raw, doc, nil
}

// Diff computes a symmetric field-level delta between two generic JSON
// documents. A key present in before but absent in after is reported with
// Deleted=true. Values are compared by their canonical JSON encoding.
func Diff(before, after map[string]any) []model.FieldChange {
	if before == nil && after == nil {
		return nil
	}
	var changes []model.FieldChange
	seen := make(map[string]bool, len(before))

	for k, oldV := range before {
		seen[k] = true
		newV, ok := after[k]
		if !ok {
			changes = append(changes, model.FieldChange{Field: k, Old: oldV, Deleted: true})
			continue
		}
		if !jsonEqual(oldV, newV) {
			changes = append(changes, model.FieldChange{Field: k, Old: oldV, New: newV})
		}
	}
	for k, newV := range after {
		if !seen[k] {
			changes = append(changes, model.FieldChange{Field: k, New: newV})
		}
	}
	return changes
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// EntityHistory returns an entity's audit trail, newest first.
func (r *Recorder) EntityHistory(ctx context.Context, entityID uuid.UUID, from, to *time.Time, limit int) ([]model.AuditEvent, error) {
	recs, err := r.db.AuditByEntity(ctx, entityID.String(), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: entity history: %w", err)
	}
	return decode(recs)
}

// ActorHistory returns the changes one actor made, newest first.
func (r *Recorder) ActorHistory(ctx context.Context, actorID uuid.UUID, from, to *time.Time, limit int) ([]model.AuditEvent, error) {
	recs, err := r.db.AuditByActor(ctx, actorID.String(), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: actor history: %w", err)
	}
	return decode(recs)
}

func decode(recs []store.AuditRecord) ([]model.AuditEvent, error) {
	out := make([]model.AuditEvent, 0, len(recs))
	for _, rec := range recs {
		var ev model.AuditEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("audit: decode record %s: %w", rec.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
