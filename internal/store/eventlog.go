package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// AppendRunEvent appends a chain event to the per-run log and returns its
// index. Indexes are contiguous from 0 within a run. Once the log reaches its
// cap the event is dropped and the would-be index is returned, so live
// streaming keeps its numbering while the durable tail stays bounded.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, runUUID string, event schema.ChainEvent) (int64, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal chain event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append run event: %w", err)
	}
	defer tx.Rollback()

	// The per-run counter, not MAX(idx) over the surviving rows, supplies the
	// index: events dropped past the cap must still advance the numbering.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_event_counts (run_uuid, total) VALUES (?, 1)
		 ON CONFLICT(run_uuid) DO UPDATE SET total = total + 1`, runUUID)
	if err != nil {
		return 0, fmt.Errorf("bump run event count: %w", err)
	}

	var total int64
	err = tx.QueryRowContext(ctx,
		`SELECT total FROM run_event_counts WHERE run_uuid = ?`, runUUID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("next run event index: %w", err)
	}
	next := total - 1

	if next >= s.runEventCap {
		return next, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_uuid, idx, event, timestamp) VALUES (?, ?, ?, ?)`,
		runUUID, next, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run event: %w", err)
	}
	return next, nil
}

// GetRunEvents returns stored events with index > sinceIndex, ordered by
// index. Pass -1 for the full log.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runUUID string, sinceIndex int64) ([]*StoredChainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_uuid, idx, event, timestamp FROM run_events
		 WHERE run_uuid = ? AND idx > ? ORDER BY idx`,
		runUUID, sinceIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StoredChainEvent
	for rows.Next() {
		ev := &StoredChainEvent{}
		var raw string
		if err := rows.Scan(&ev.RunUUID, &ev.Index, &raw, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ev.Event); err != nil {
			return nil, fmt.Errorf("unmarshal run event %d: %w", ev.Index, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AppendExperimentEvent assigns the next per-experiment sequence number and
// inserts the event. The unique (experiment_uuid, sequence) index rejects a
// concurrent writer that read the same sequence, keeping the history linear.
func (s *LibSQLStore) AppendExperimentEvent(ctx context.Context, event *ExperimentEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append experiment event: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM experiment_events WHERE experiment_uuid = ?`,
		event.ExperimentUUID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("next experiment sequence: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO experiment_events (experiment_uuid, row_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExperimentUUID, event.RowIndex, event.Type, nullRaw(event.Payload), event.Timestamp, next,
	)
	if err != nil {
		return fmt.Errorf("insert experiment event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit experiment event: %w", err)
	}

	event.Sequence = next
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetExperimentEvents returns events with sequence > since, ordered by
// sequence. Pass 0 for the full history.
func (s *LibSQLStore) GetExperimentEvents(ctx context.Context, experimentUUID string, since int64) ([]*ExperimentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_uuid, row_index, event_type, payload, timestamp, sequence
		 FROM experiment_events
		 WHERE experiment_uuid = ? AND sequence > ? ORDER BY sequence`,
		experimentUUID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ExperimentEvent
	for rows.Next() {
		ev := &ExperimentEvent{}
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ExperimentUUID, &ev.RowIndex, &ev.Type,
			&payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
