package work

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Change describes an item mutation. From is empty for newly added items.
type Change struct {
	Item Item
	From Status
}

// Arena holds every work item ever admitted, keyed by id. Parent ids are plain
// lookups; the arena never deletes, so failed and superseded items stay
// inspectable.
type Arena struct {
	mu        sync.RWMutex
	items     map[string]*Item
	observers []func(Change)
}

func NewArena() *Arena {
	return &Arena{items: make(map[string]*Item)}
}

// Observe registers fn to be called after every mutation. Observers run on the
// mutating goroutine, outside the arena lock.
func (a *Arena) Observe(fn func(Change)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Arena) Add(it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	if it.Status == "" {
		it.Status = StatusPending
	}

	a.mu.Lock()
	if _, ok := a.items[it.ID]; ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, it.ID)
	}
	stored := it.Clone()
	a.items[it.ID] = &stored
	observers := a.observers
	a.mu.Unlock()

	notify(observers, Change{Item: stored.Clone()})
	return nil
}

func (a *Arena) Get(id string) (Item, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	it, ok := a.items[id]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

func (a *Arena) Transition(id string, to Status, note string) (Item, error) {
	a.mu.Lock()
	it, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := it.Status
	if err := it.Transition(to, note); err != nil {
		a.mu.Unlock()
		return Item{}, fmt.Errorf("item %s: %w", id, err)
	}
	out := it.Clone()
	observers := a.observers
	a.mu.Unlock()

	notify(observers, Change{Item: out.Clone(), From: from})
	return out, nil
}

// Update applies fn to the stored item. fn must not change Status; use
// Transition for that.
func (a *Arena) Update(id string, fn func(*Item)) (Item, error) {
	a.mu.Lock()
	it, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	status := it.Status
	fn(it)
	it.Status = status
	out := it.Clone()
	observers := a.observers
	a.mu.Unlock()

	notify(observers, Change{Item: out.Clone(), From: status})
	return out, nil
}

// Lineage returns the item followed by its ancestors, nearest first.
func (a *Arena) Lineage(id string) ([]Item, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var chain []Item
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return chain, fmt.Errorf("lineage cycle at %s", cur)
		}
		seen[cur] = true
		it, ok := a.items[cur]
		if !ok {
			if len(chain) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			break
		}
		chain = append(chain, it.Clone())
		cur = it.ParentID
	}
	return chain, nil
}

func (a *Arena) Children(parentID string) []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Item
	for _, it := range a.items {
		if it.ParentID == parentID {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out
}

// List returns items ordered by creation time. An empty status lists all.
func (a *Arena) List(status Status) []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Item, 0, len(a.items))
	for _, it := range a.items {
		if status == "" || it.Status == status {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out
}

func (a *Arena) Counts() map[Status]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := make(map[Status]int)
	for _, it := range a.items {
		counts[it.Status]++
	}
	return counts
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

func sortItems(items []Item) {
	slices.SortFunc(items, func(x, y Item) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
}

func notify(observers []func(Change), c Change) {
	for _, fn := range observers {
		fn(c)
	}
}
