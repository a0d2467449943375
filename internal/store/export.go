package store

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/gridflow/internal/work"
)

// ExportRecord is one line of an audit export.
type ExportRecord struct {
	Type    string      `json:"type"`
	Item    *work.Item  `json:"item,omitempty"`
	Event   *ItemEvent  `json:"event,omitempty"`
	Tick    *TickRecord `json:"tick,omitempty"`
	Verdict *Verdict    `json:"verdict,omitempty"`
}

type ExportStats struct {
	Items, Events, Ticks, Verdicts int
}

// Export writes every record as zstd-compressed JSON lines: items first,
// then the transition log, tick history and verdicts. Payloads are written
// opened, so exports of a sealed store contain plaintext.
func (s *Store) Export(w io.Writer) (ExportStats, error) {
	var st ExportStats

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return st, fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	items, err := s.ListItems(ItemFilter{})
	if err != nil {
		zw.Close()
		return st, err
	}
	for i := range items {
		if err := enc.Encode(ExportRecord{Type: "item", Item: &items[i]}); err != nil {
			zw.Close()
			return st, fmt.Errorf("write item: %w", err)
		}
		st.Items++
	}

	var after int64
	for {
		events, err := s.EventsAfter(after, 500)
		if err != nil {
			zw.Close()
			return st, err
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			if err := enc.Encode(ExportRecord{Type: "event", Event: &events[i]}); err != nil {
				zw.Close()
				return st, fmt.Errorf("write event: %w", err)
			}
			st.Events++
			after = events[i].ID
		}
	}

	ticks, err := s.ListTicks(math.MaxInt32)
	if err != nil {
		zw.Close()
		return st, err
	}
	for i := len(ticks) - 1; i >= 0; i-- {
		if err := enc.Encode(ExportRecord{Type: "tick", Tick: &ticks[i]}); err != nil {
			zw.Close()
			return st, fmt.Errorf("write tick: %w", err)
		}
		st.Ticks++
	}

	verdicts, err := s.ListVerdicts("")
	if err != nil {
		zw.Close()
		return st, err
	}
	for i := range verdicts {
		if err := enc.Encode(ExportRecord{Type: "verdict", Verdict: &verdicts[i]}); err != nil {
			zw.Close()
			return st, fmt.Errorf("write verdict: %w", err)
		}
		st.Verdicts++
	}

	if err := zw.Close(); err != nil {
		return st, fmt.Errorf("close zstd: %w", err)
	}
	return st, nil
}

// ReadExport decodes an export written by Export, calling fn per record.
func ReadExport(r io.Reader, fn func(ExportRecord) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var rec ExportRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode export: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
