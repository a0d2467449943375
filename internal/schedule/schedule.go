// Package schedule parses tick cadences: cron expressions evaluated with
// gronx, or fixed intervals.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron" or "interval"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
}

// Parse accepts a JSON schedule, a Go duration ("500ms", "2s"),
// "@every <duration>" or a cron expression.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	var s Schedule
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("parse schedule: %w", err)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		raw = strings.TrimSpace(rest)
	}
	if d, err := time.ParseDuration(raw); err == nil {
		s = Schedule{Kind: "interval", IntervalMs: d.Milliseconds()}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid schedule: not a duration or cron expression: %s", raw)
	}
	return &Schedule{Kind: "cron", CronExpr: raw}, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Next returns the first run strictly after from.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case "cron":
		return gronx.NextTickAfter(s.CronExpr, from, false)
	case "interval":
		return from.Add(s.Interval()), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
		d := s.Interval()
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		case d%time.Second == 0:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		default:
			return "Every " + d.String()
		}
	}
	return s.Kind
}
