package dialogs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/stellarlinkco/tgvault/internal/peer"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

// Source enumerates the account's dialogs in server order.
type Source interface {
	ForEachDialog(ctx context.Context, fn func(telegram.Dialog) error) error
}

// Entry is what tools see for one dialog.
type Entry struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// Index is the in-memory dialog map, populated once at startup and refreshed
// at most once per missed lookup. It is never persisted; a restart rebuilds it.
type Index struct {
	source Source

	refreshMu sync.Mutex

	mu      sync.RWMutex
	order   []int64
	entries map[int64]Entry
	byName  map[string]int64
}

func NewIndex(source Source) *Index {
	return &Index{
		source:  source,
		entries: make(map[int64]Entry),
		byName:  make(map[string]int64),
	}
}

// Init populates the index by enumerating all dialogs exactly once.
func (i *Index) Init(ctx context.Context) error {
	return i.refresh(ctx)
}

func (i *Index) refresh(ctx context.Context) error {
	// Serialize refreshes; the enumeration itself runs without the read lock
	// so tools keep answering from the previous snapshot.
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	order := make([]int64, 0, 128)
	entries := make(map[int64]Entry)
	byName := make(map[string]int64)

	err := i.source.ForEachDialog(ctx, func(d telegram.Dialog) error {
		if _, ok := entries[d.Ref.ID]; ok {
			return nil
		}
		e := Entry{
			ID:       d.Ref.ID,
			Kind:     string(d.Ref.Kind),
			Title:    d.Ref.Title,
			Username: d.Ref.Username,
		}
		entries[e.ID] = e
		order = append(order, e.ID)
		if e.Username != "" {
			byName[e.Username] = e.ID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enumerate dialogs: %w", err)
	}

	i.mu.Lock()
	i.order, i.entries, i.byName = order, entries, byName
	i.mu.Unlock()

	log.Printf("[dialogs] indexed %d dialogs", len(order))
	return nil
}

// List returns the first limit entries in insertion order, which preserves
// Telegram's most-recently-active-first ordering.
func (i *Index) List(limit int) []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if limit <= 0 || limit > len(i.order) {
		limit = len(i.order)
	}
	out := make([]Entry, 0, limit)
	for _, id := range i.order[:limit] {
		out = append(out, i.entries[id])
	}
	return out
}

// Search matches keyword case-insensitively against title and username and
// stops scanning after limit hits.
func (i *Index) Search(keyword string, limit int) []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	needle := strings.ToLower(keyword)
	var out []Entry
	for _, id := range i.order {
		e := i.entries[id]
		if strings.Contains(strings.ToLower(e.Title), needle) ||
			strings.Contains(e.Username, needle) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Get looks up a reference by id or username. A miss triggers a single
// refresh before giving up with peer.ErrNotFound.
func (i *Index) Get(ctx context.Context, ref peer.Ref) (Entry, error) {
	if e, ok := i.lookup(ref); ok {
		return e, nil
	}
	if err := i.refresh(ctx); err != nil {
		return Entry{}, err
	}
	if e, ok := i.lookup(ref); ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("dialog %s: %w", ref, peer.ErrNotFound)
}

func (i *Index) lookup(ref peer.Ref) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if ref.ID != 0 {
		e, ok := i.entries[ref.ID]
		return e, ok
	}
	if ref.Username != "" {
		if id, ok := i.byName[ref.Username]; ok {
			return i.entries[id], true
		}
	}
	return Entry{}, false
}

// Len reports the number of indexed dialogs.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.order)
}
