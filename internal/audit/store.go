package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/nirmitee/ehr-rbac/internal/platform/database"
)

// Store handles audit event persistence.
type Store struct {
	db database.Querier
}

// NewStore creates an audit Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// InsertBatch writes a batch of events to the database.
func (s *Store) InsertBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// buildBatchInsert constructs a multi-row INSERT statement.
func buildBatchInsert(events []Event) (string, []any, error) {
	q := sq.Insert("audit_events").
		Columns("org_id", "actor_id", "action", "target_type", "target_id", "before", "after", "metadata", "source", "created_at").
		PlaceholderFormat(sq.Dollar)

	for _, e := range events {
		before, err := marshalNullable(e.Before)
		if err != nil {
			return "", nil, fmt.Errorf("marshaling before: %w", err)
		}
		after, err := marshalNullable(e.After)
		if err != nil {
			return "", nil, fmt.Errorf("marshaling after: %w", err)
		}
		var meta []byte
		if e.Metadata != nil {
			if meta, err = json.Marshal(e.Metadata); err != nil {
				return "", nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		q = q.Values(e.OrgID, e.ActorID, e.Action, e.TargetType, e.TargetID, before, after, meta, e.Source, ts)
	}

	return q.ToSql()
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
