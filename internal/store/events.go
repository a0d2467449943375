package store

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/gridflow/internal/work"
)

// ItemEvent is one entry of an item's transition log.
type ItemEvent struct {
	ID        int64       `json:"id"`
	ItemID    string      `json:"item_id"`
	From      work.Status `json:"from,omitempty"`
	To        work.Status `json:"to"`
	Queue     string      `json:"queue,omitempty"`
	Tick      int64       `json:"tick,omitempty"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (s *Store) AppendEvent(e *ItemEvent) error {
	result, err := s.db.Exec(`
		INSERT INTO item_events (item_id, from_status, to_status, queue, tick, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ItemID, nullable(string(e.From)), string(e.To), e.Queue, e.Tick, e.Note)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// ListEvents returns an item's log in the order it was written.
func (s *Store) ListEvents(itemID string) ([]ItemEvent, error) {
	return s.queryEvents(`
		SELECT id, item_id, from_status, to_status, queue, tick, note, created_at
		FROM item_events WHERE item_id = ? ORDER BY id`, itemID)
}

// EventsAfter pages through the whole log by id.
func (s *Store) EventsAfter(afterID int64, limit int) ([]ItemEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryEvents(`
		SELECT id, item_id, from_status, to_status, queue, tick, note, created_at
		FROM item_events WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

func (s *Store) queryEvents(q string, args ...any) ([]ItemEvent, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []ItemEvent
	for rows.Next() {
		var e ItemEvent
		var from, queue, note *string
		if err := rows.Scan(&e.ID, &e.ItemID, &from, &e.To, &queue, &e.Tick, &note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.From = work.Status(deref(from))
		e.Queue = deref(queue)
		e.Note = deref(note)
		events = append(events, e)
	}
	return events, rows.Err()
}
