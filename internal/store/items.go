package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/gridflow/internal/work"
)

const itemColumns = `id, kind, target, cost_of_delay, job_size, payload, sealed, status,
	iteration_count, parent_id, queue, source, deadline_tick, tags, lineage,
	failure_reason, created_at, updated_at`

// ItemFilter narrows ListItems. Zero fields match everything.
type ItemFilter struct {
	Status work.Status
	Kind   string
	Queue  string
	Parent string
	Limit  int
}

func (s *Store) scanItem(scanner interface {
	Scan(dest ...any) error
}) (*work.Item, error) {
	it := &work.Item{}
	var target, parent, queue, source, tags, lineage, reason *string
	var payload []byte
	var sealed bool
	err := scanner.Scan(&it.ID, &it.Kind, &target, &it.CostOfDelay, &it.JobSize, &payload, &sealed,
		&it.Status, &it.IterationCount, &parent, &queue, &source, &it.DeadlineTick, &tags, &lineage,
		&reason, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.Target = deref(target)
	it.ParentID = deref(parent)
	it.Queue = deref(queue)
	it.Source = deref(source)
	it.FailureReason = deref(reason)
	if tags != nil && *tags != "" {
		if err := json.Unmarshal([]byte(*tags), &it.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", it.ID, err)
		}
	}
	if lineage != nil && *lineage != "" {
		if err := json.Unmarshal([]byte(*lineage), &it.Lineage); err != nil {
			return nil, fmt.Errorf("decode lineage of %s: %w", it.ID, err)
		}
	}
	if sealed {
		if s.vault == nil {
			return nil, fmt.Errorf("item %s payload is sealed and no vault is configured", it.ID)
		}
		if payload, err = s.vault.Open(it.ID, payload); err != nil {
			return nil, err
		}
	}
	if len(payload) > 0 {
		it.Payload = json.RawMessage(payload)
	}
	return it, nil
}

// SaveItem upserts the current record of an item.
func (s *Store) SaveItem(it *work.Item) error {
	tags, err := marshalOptional(it.Tags, len(it.Tags) == 0)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	lineage, err := marshalOptional(it.Lineage, len(it.Lineage) == 0)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}

	payload := []byte(it.Payload)
	sealed := false
	if s.vault != nil && len(payload) > 0 {
		if payload, err = s.vault.Seal(it.ID, payload); err != nil {
			return fmt.Errorf("save item: %w", err)
		}
		sealed = true
	}

	_, err = s.db.Exec(`
		INSERT INTO work_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost_of_delay = excluded.cost_of_delay,
			job_size = excluded.job_size,
			payload = excluded.payload,
			sealed = excluded.sealed,
			status = excluded.status,
			iteration_count = excluded.iteration_count,
			queue = excluded.queue,
			deadline_tick = excluded.deadline_tick,
			tags = excluded.tags,
			lineage = excluded.lineage,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`,
		it.ID, it.Kind, it.Target, it.CostOfDelay, it.JobSize, payload, boolToInt(sealed), string(it.Status),
		it.IterationCount, nullable(it.ParentID), it.Queue, it.Source, it.DeadlineTick, tags, lineage,
		it.FailureReason, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(id string) (*work.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := s.scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *Store) ListItems(f ItemFilter) ([]work.Item, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.Parent != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.Parent)
	}
	q := `SELECT ` + itemColumns + ` FROM work_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []work.Item
	for rows.Next() {
		it, err := s.scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// CountItems returns the number of records per status.
func (s *Store) CountItems() (map[work.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[work.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[work.Status(st)] = n
	}
	return counts, rows.Err()
}

// LoadResumable prepares the store for a restart. Items left IN_PROGRESS by
// an interrupted run are marked FAILED; PENDING items are returned so they
// can be admitted again.
func (s *Store) LoadResumable() ([]work.Item, int, error) {
	interrupted, err := s.ListItems(ItemFilter{Status: work.StatusInProgress})
	if err != nil {
		return nil, 0, err
	}
	for i := range interrupted {
		if err := s.FailItem(&interrupted[i], "interrupted"); err != nil {
			return nil, 0, err
		}
	}

	pending, err := s.ListItems(ItemFilter{Status: work.StatusPending})
	if err != nil {
		return nil, 0, err
	}
	return pending, len(interrupted), nil
}

// FailItem marks a stored item FAILED with the given reason and logs the
// transition.
func (s *Store) FailItem(it *work.Item, reason string) error {
	from := it.Status
	if err := it.Transition(work.StatusFailed, reason); err != nil {
		return fmt.Errorf("fail item %s: %w", it.ID, err)
	}
	if err := s.SaveItem(it); err != nil {
		return err
	}
	return s.AppendEvent(&ItemEvent{
		ItemID: it.ID,
		From:   from,
		To:     work.StatusFailed,
		Queue:  it.Queue,
		Note:   reason,
	})
}

func marshalOptional(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
