// Package flow schedules work items through per-queue WSJF ordering with
// work-in-progress caps and rework re-pricing.
package flow

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/gridflow/internal/work"
)

var ErrUnknownQueue = errors.New("unknown queue")

// Economics re-prices rework. Both factors push WSJF up so rework outranks
// fresh work of the same original priority.
type Economics struct {
	CostOfDelayFactor float64 `yaml:"cod_factor" json:"cod_factor"`
	JobSizeFactor     float64 `yaml:"size_factor" json:"size_factor"`
}

func DefaultEconomics() Economics {
	return Economics{CostOfDelayFactor: 1.2, JobSizeFactor: 0.7}
}

func (e Economics) Validate() error {
	if e.CostOfDelayFactor < 1 {
		return fmt.Errorf("cod_factor must be >= 1, got %v", e.CostOfDelayFactor)
	}
	if e.JobSizeFactor <= 0 || e.JobSizeFactor > 1 {
		return fmt.Errorf("size_factor must be in (0, 1], got %v", e.JobSizeFactor)
	}
	if e.CostOfDelayFactor/e.JobSizeFactor <= 1 {
		return fmt.Errorf("cod_factor/size_factor must be > 1 so rework gains priority")
	}
	return nil
}

type QueueStats struct {
	ID       string `json:"id"`
	Queued   int    `json:"queued"`
	WIP      int    `json:"wip"`
	WIPLimit int    `json:"wip_limit"`
}

// Scheduler owns every queue. All operations are linearizable under one
// mutex, so cells may admit concurrently.
type Scheduler struct {
	mu      sync.Mutex
	arena   *work.Arena
	econ    Economics
	queues  map[string]*queue
	holder  map[string]string // item id -> queue whose WIP slot it occupies
	version uint64
}

func New(arena *work.Arena, econ Economics) (*Scheduler, error) {
	if err := econ.Validate(); err != nil {
		return nil, fmt.Errorf("invalid economics: %w", err)
	}
	return &Scheduler{
		arena:  arena,
		econ:   econ,
		queues: make(map[string]*queue),
		holder: make(map[string]string),
	}, nil
}

func (s *Scheduler) Arena() *work.Arena    { return s.arena }
func (s *Scheduler) Economics() Economics { return s.econ }

func (s *Scheduler) AddQueue(id string, wipLimit int) error {
	if wipLimit <= 0 {
		return fmt.Errorf("queue %s: wip_limit must be > 0, got %d", id, wipLimit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[id]; ok {
		return fmt.Errorf("queue %s already exists", id)
	}
	s.queues[id] = newQueue(id, wipLimit)
	return nil
}

// Admit inserts a pending item and takes a WIP slot. Invalid items never
// enter a queue.
func (s *Scheduler) Admit(queueID string, it *work.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	if it.Status != "" && it.Status != work.StatusPending {
		return fmt.Errorf("admit %s: %w: status %s", it.ID, work.ErrIllegalTransition, it.Status)
	}
	score, err := it.WSJF()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueID)
	}
	if q.full() {
		return fmt.Errorf("%w: queue %s at %d/%d", work.ErrCapacityExceeded, queueID, q.wip, q.wipLimit)
	}

	it.Status = work.StatusPending
	it.Queue = queueID
	if err := s.arena.Add(it); err != nil {
		return fmt.Errorf("admit %s: %w", it.ID, err)
	}
	s.enqueue(q, it.ID, score, it.CreatedAt)
	return nil
}

func (s *Scheduler) enqueue(q *queue, id string, score float64, created time.Time) {
	q.push(&entry{id: id, score: score, created: created})
	q.wip++
	s.holder[id] = q.id
	s.version++
}

// Dequeue removes the highest-priority item and marks it IN_PROGRESS. The
// item keeps its WIP slot until Complete.
func (s *Scheduler) Dequeue(queueID string) (work.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return work.Item{}, false, fmt.Errorf("%w: %s", ErrUnknownQueue, queueID)
	}
	e := q.pop()
	if e == nil {
		return work.Item{}, false, nil
	}
	s.version++
	it, err := s.arena.Transition(e.id, work.StatusInProgress, "")
	if err != nil {
		return work.Item{}, false, fmt.Errorf("dequeue %s: %w", e.id, err)
	}
	return it, true, nil
}

func (s *Scheduler) Peek(queueID string) (work.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok {
		return work.Item{}, false
	}
	e := q.top()
	if e == nil {
		return work.Item{}, false
	}
	return s.arena.Get(e.id)
}

// Complete moves an item to DONE or FAILED and frees its WIP slot. A pending
// item may fail while still queued.
func (s *Scheduler) Complete(id string, status work.Status, reason string) (work.Item, error) {
	if status != work.StatusDone && status != work.StatusFailed {
		return work.Item{}, fmt.Errorf("complete %s: %w: target %s", id, work.ErrIllegalTransition, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.arena.Transition(id, status, reason)
	if err != nil {
		return work.Item{}, err
	}
	if qid, ok := s.holder[id]; ok {
		s.queues[qid].remove(id)
	}
	s.release(id)
	s.version++
	return it, nil
}

func (s *Scheduler) release(id string) {
	qid, ok := s.holder[id]
	if !ok {
		return
	}
	if q := s.queues[qid]; q != nil && q.wip > 0 {
		q.wip--
	}
	delete(s.holder, id)
}

// Iterate supersedes an in-progress item with a re-priced rework item in the
// same queue. The original becomes ITERATING; its slot passes to the rework
// item in the same critical section. Iteration caps are the caller's policy.
func (s *Scheduler) Iterate(id, feedback string) (work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.arena.Get(id)
	if !ok {
		return work.Item{}, fmt.Errorf("iterate: %w: %s", work.ErrNotFound, id)
	}
	if orig.Status != work.StatusInProgress {
		return work.Item{}, fmt.Errorf("iterate %s: %w: status %s", id, work.ErrIllegalTransition, orig.Status)
	}
	q, ok := s.queues[orig.Queue]
	if !ok {
		return work.Item{}, fmt.Errorf("iterate %s: %w: %s", id, ErrUnknownQueue, orig.Queue)
	}

	next, err := work.New(orig.Kind, orig.Target,
		orig.CostOfDelay*s.econ.CostOfDelayFactor,
		orig.JobSize*s.econ.JobSizeFactor,
		slices.Clone(orig.Payload))
	if err != nil {
		return work.Item{}, fmt.Errorf("iterate %s: %w", id, err)
	}
	next.IterationCount = orig.IterationCount + 1
	next.ParentID = orig.ID
	next.Source = orig.Source
	next.DeadlineTick = orig.DeadlineTick
	next.Tags = orig.Clone().Tags
	next.Queue = orig.Queue
	note := "rework of " + orig.ID
	if feedback != "" {
		note += ": " + feedback
	}
	next.Lineage = []string{note}

	if s.holder[id] != q.id && q.full() {
		return work.Item{}, fmt.Errorf("iterate %s: %w: queue %s", id, work.ErrCapacityExceeded, q.id)
	}
	if _, err := s.arena.Transition(id, work.StatusIterating, feedback); err != nil {
		return work.Item{}, err
	}
	s.release(id)

	if err := s.arena.Add(next); err != nil {
		return work.Item{}, fmt.Errorf("iterate %s: %w", id, err)
	}
	score, _ := next.WSJF()
	s.enqueue(q, next.ID, score, next.CreatedAt)
	return next.Clone(), nil
}

// Move transfers a queued item to another queue, taking a slot there and
// freeing one here. The item is moved, never copied.
func (s *Scheduler) Move(from, to, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fq, ok := s.queues[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, from)
	}
	tq, ok := s.queues[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, to)
	}
	e, ok := fq.byID[id]
	if !ok {
		return fmt.Errorf("move: %w: %s not queued in %s", work.ErrNotFound, id, from)
	}
	if tq.full() {
		return fmt.Errorf("move %s: %w: queue %s at %d/%d", id, work.ErrCapacityExceeded, to, tq.wip, tq.wipLimit)
	}

	fq.remove(id)
	s.release(id)
	s.enqueue(tq, id, e.score, e.created)

	_, err := s.arena.Update(id, func(it *work.Item) {
		it.Queue = to
		if note != "" {
			it.Lineage = append(it.Lineage, note)
		}
	})
	return err
}

// Top returns the id that Dequeue would return next.
func (s *Scheduler) Top(queueID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok || q.top() == nil {
		return "", false
	}
	return q.top().id, true
}

// Lowest returns the id that Dequeue would return last.
func (s *Scheduler) Lowest(queueID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok || q.lowest() == nil {
		return "", false
	}
	return q.lowest().id, true
}

// Inbox returns the queued items in dequeue order.
func (s *Scheduler) Inbox(queueID string) []work.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok {
		return nil
	}
	var out []work.Item
	for _, e := range q.ordered() {
		if it, ok := s.arena.Get(e.id); ok {
			out = append(out, it)
		}
	}
	return out
}

func (s *Scheduler) Stats(queueID string) (QueueStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok {
		return QueueStats{}, false
	}
	return q.stats(), true
}

func (s *Scheduler) AllStats() []QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueStats, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version increases on every queue mutation.
func (s *Scheduler) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Outstanding counts items holding a WIP slot across all queues.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holder)
}

func (q *queue) stats() QueueStats {
	return QueueStats{ID: q.id, Queued: len(q.entries), WIP: q.wip, WIPLimit: q.wipLimit}
}
