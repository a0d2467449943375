package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type Verdict struct {
	ID         int64           `json:"id"`
	ItemID     string          `json:"item_id"`
	Verdict    string          `json:"verdict"`
	Mean       float64         `json:"mean"`
	VetoedBy   string          `json:"vetoed_by,omitempty"`
	Incomplete bool            `json:"incomplete,omitempty"`
	Scores     json.RawMessage `json:"scores,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) RecordVerdict(v *Verdict) error {
	var scores *string
	if len(v.Scores) > 0 {
		sc := string(v.Scores)
		scores = &sc
	}
	result, err := s.db.Exec(`
		INSERT INTO verdicts (item_id, verdict, mean, vetoed_by, incomplete, scores)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ItemID, v.Verdict, v.Mean, nullable(v.VetoedBy), boolToInt(v.Incomplete), scores)
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	v.ID, _ = result.LastInsertId()
	return nil
}

// ListVerdicts returns the verdicts for an item, or all verdicts when
// itemID is empty, oldest first.
func (s *Store) ListVerdicts(itemID string) ([]Verdict, error) {
	q := `SELECT id, item_id, verdict, mean, vetoed_by, incomplete, scores, created_at FROM verdicts`
	var args []any
	if itemID != "" {
		q += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var out []Verdict
	for rows.Next() {
		var v Verdict
		var vetoedBy, scores *string
		if err := rows.Scan(&v.ID, &v.ItemID, &v.Verdict, &v.Mean, &vetoedBy, &v.Incomplete, &scores, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.VetoedBy = deref(vetoedBy)
		if scores != nil {
			v.Scores = json.RawMessage(*scores)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
