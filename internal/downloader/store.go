package downloader

import (
	"fmt"
	"slices"
	"sync"
)

// Store is the single source of truth for item snapshots. Reads return copies,
// writes replace a whole snapshot, and subscribers are told after every commit.
type Store struct {
	mu    sync.RWMutex
	items map[string]Item
	order []string // insertion order, oldest first

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]Item),
		subs:  make(map[int]chan struct{}),
	}
}

// Insert adds a new item at revision 1.
func (s *Store) Insert(item Item) error {
	s.mu.Lock()

	if _, ok := s.items[item.ID]; ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}

	item.Revision = 1
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)
	s.mu.Unlock()

	s.notify()

	return nil
}

// Get returns the current snapshot for id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]

	return item, ok
}

// Update atomically replaces the snapshot for id with fn's result. Terminal items
// are never mutated again; in that case, or when id is unknown, the current
// snapshot is returned with false.
func (s *Store) Update(id string, fn func(Item) Item) (Item, bool) {
	s.mu.Lock()

	current, ok := s.items[id]
	if !ok || current.Status.IsTerminal() {
		s.mu.Unlock()

		return current, false
	}

	next := fn(current)
	next.ID = current.ID
	next.Revision = current.Revision + 1
	s.items[id] = next
	s.mu.Unlock()

	s.notify()

	return next, true
}

// List returns every item, newest-enqueued first.
func (s *Store) List() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		out = append(out, s.items[id])
	}

	return out
}

// Find returns the first item, newest first, for which match returns true.
func (s *Store) Find(match func(Item) bool) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range slices.Backward(s.order) {
		if item := s.items[id]; match(item) {
			return item, true
		}
	}

	return Item{}, false
}

// Subscribe returns a channel that receives a value after committed mutations.
// Notifications carry no payload and coalesce while the subscriber is busy, so
// a subscriber always gets at least one signal after the latest mutation.
// The returned function unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
