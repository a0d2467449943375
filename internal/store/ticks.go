package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TickRecord is the persisted summary of one tick.
type TickRecord struct {
	Tick      int64           `json:"tick"`
	StartedAt time.Time       `json:"started_at"`
	Elapsed   time.Duration   `json:"elapsed"`
	Actions   int             `json:"actions"`
	ExecCalls int             `json:"exec_calls"`
	Emitted   int             `json:"emitted"`
	Delivered int             `json:"delivered"`
	Rejected  int             `json:"rejected"`
	Failed    int             `json:"failed"`
	Completed int             `json:"completed"`
	Rework    int             `json:"rework"`
	Stuck     int             `json:"stuck"`
	Quiescent bool            `json:"quiescent"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

func scanTick(scanner interface {
	Scan(dest ...any) error
}) (*TickRecord, error) {
	r := &TickRecord{}
	var elapsedMS int64
	var detail *string
	err := scanner.Scan(&r.Tick, &r.StartedAt, &elapsedMS, &r.Actions, &r.ExecCalls, &r.Emitted,
		&r.Delivered, &r.Rejected, &r.Failed, &r.Completed, &r.Rework, &r.Stuck, &r.Quiescent, &detail)
	if err != nil {
		return nil, err
	}
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if detail != nil && *detail != "" {
		r.Detail = json.RawMessage(*detail)
	}
	return r, nil
}

func (s *Store) RecordTick(r *TickRecord) error {
	var detail *string
	if len(r.Detail) > 0 {
		d := string(r.Detail)
		detail = &d
	}
	_, err := s.db.Exec(`
		INSERT INTO ticks (tick, started_at, elapsed_ms, actions, exec_calls, emitted, delivered,
			rejected, failed, completed, rework, stuck, quiescent, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tick) DO UPDATE SET
			started_at = excluded.started_at,
			elapsed_ms = excluded.elapsed_ms,
			actions = excluded.actions,
			exec_calls = excluded.exec_calls,
			emitted = excluded.emitted,
			delivered = excluded.delivered,
			rejected = excluded.rejected,
			failed = excluded.failed,
			completed = excluded.completed,
			rework = excluded.rework,
			stuck = excluded.stuck,
			quiescent = excluded.quiescent,
			detail = excluded.detail`,
		r.Tick, r.StartedAt, r.Elapsed.Milliseconds(), r.Actions, r.ExecCalls, r.Emitted, r.Delivered,
		r.Rejected, r.Failed, r.Completed, r.Rework, r.Stuck, boolToInt(r.Quiescent), detail)
	if err != nil {
		return fmt.Errorf("record tick: %w", err)
	}
	return nil
}

// ListTicks returns the most recent ticks, newest first.
func (s *Store) ListTicks(limit int) ([]TickRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT tick, started_at, elapsed_ms, actions, exec_calls, emitted, delivered,
		       rejected, failed, completed, rework, stuck, quiescent, detail
		FROM ticks ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ticks: %w", err)
	}
	defer rows.Close()

	var ticks []TickRecord
	for rows.Next() {
		r, err := scanTick(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		ticks = append(ticks, *r)
	}
	return ticks, rows.Err()
}

// LastTick returns the highest recorded tick number, or 0.
func (s *Store) LastTick() (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(tick) FROM ticks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("last tick: %w", err)
	}
	return n.Int64, nil
}
