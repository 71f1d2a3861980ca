package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/events"
)

// SQLiteEventRepository implements EventRepository for SQLite.
type SQLiteEventRepository struct {
	db *sql.DB
}

func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

func (r *SQLiteEventRepository) Append(ctx context.Context, event events.Event) error {
	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO events (id, ts_ns, event_type, loop_id, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.Timestamp.UnixNano(), string(event.Type), event.LoopID, string(payloadBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *SQLiteEventRepository) Query(ctx context.Context, q EventQuery) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.LoopID != "" {
		where = append(where, "loop_id = ?")
		args = append(args, q.LoopID)
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, ts_ns, event_type, loop_id, payload FROM events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	// rowid breaks ties between events stamped in the same nanosecond
	b.WriteString(" ORDER BY ts_ns DESC, rowid DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			tsNs    int64
			typ     string
			payload string
		)
		if err := rows.Scan(&e.ID, &tsNs, &typ, &e.LoopID, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNs)
		e.Type = events.EventType(typ)
		if payload != "null" {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (r *SQLiteEventRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// SQLiteSampleRepository implements SampleRepository for SQLite.
type SQLiteSampleRepository struct {
	db *sql.DB
}

func NewSQLiteSampleRepository(db *sql.DB) *SQLiteSampleRepository {
	return &SQLiteSampleRepository{db: db}
}

func (r *SQLiteSampleRepository) Insert(ctx context.Context, rec cycle.Record) error {
	query := `
		INSERT INTO cycle_samples (loop_id, idx, start_ns, duration_ns, ideal_ns, target_ns, jitter_ns, work_completed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loop_id, idx) DO UPDATE SET
			start_ns=excluded.start_ns,
			duration_ns=excluded.duration_ns,
			ideal_ns=excluded.ideal_ns,
			target_ns=excluded.target_ns,
			jitter_ns=excluded.jitter_ns,
			work_completed=excluded.work_completed,
			skipped=excluded.skipped
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.LoopID, int64(rec.Index), rec.Start.UnixNano(), int64(rec.Duration),
		int64(rec.IdealPeriod), int64(rec.TargetPeriod), int64(rec.Jitter), rec.WorkCompleted, rec.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

func (r *SQLiteSampleRepository) ByLoop(ctx context.Context, loopID string, limit int) ([]cycle.Record, error) {
	query := `SELECT loop_id, idx, start_ns, duration_ns, ideal_ns, target_ns, jitter_ns, work_completed, skipped FROM cycle_samples WHERE loop_id = ? ORDER BY idx DESC`
	args := []any{loopID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var recs []cycle.Record
	for rows.Next() {
		var (
			rec                                      cycle.Record
			idx, start, dur, ideal, target, jitterNs int64
		)
		if err := rows.Scan(&rec.LoopID, &idx, &start, &dur, &ideal, &target, &jitterNs, &rec.WorkCompleted, &rec.Skipped); err != nil {
			return nil, err
		}
		rec.Index = uint64(idx)
		rec.Start = time.Unix(0, start)
		rec.Duration = time.Duration(dur)
		rec.IdealPeriod = time.Duration(ideal)
		rec.TargetPeriod = time.Duration(target)
		rec.Jitter = time.Duration(jitterNs)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(recs)
	return recs, nil
}

func (r *SQLiteSampleRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cycle_samples WHERE start_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	return res.RowsAffected()
}
