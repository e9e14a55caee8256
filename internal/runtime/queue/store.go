package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/serial"
)

// Callback is told the key that just received an item.
type Callback func(key string)

// Store holds per-key item sequences. Items are appended at the tail; Pop
// takes from the tail and Shift from the head. A Store may back several
// services at once.
type Store struct {
	mu        sync.Mutex
	items     map[string][]json.RawMessage
	callbacks []Callback
	notify    *serial.Executor
	logger    logging.ServiceLogger
}

// NewStore returns an empty store. Arrival callbacks run in arrival order
// on a background goroutine; their panics are logged and swallowed.
func NewStore(logger logging.ServiceLogger) *Store {
	s := &Store{
		items:  make(map[string][]json.RawMessage),
		notify: serial.New(),
		logger: logging.OrNop(logger),
	}
	s.notify.OnPanic = func(r any) {
		s.logger.Error("Queue callback panicked", serial.PanicError(r), nil)
	}
	return s
}

// Append adds item to the tail of key, creating the key if needed, and
// schedules the arrival callbacks.
func (s *Store) Append(key string, item json.RawMessage) {
	s.put(key, item)
	s.arrived(key)
}

func (s *Store) put(key string, item json.RawMessage) {
	if len(item) == 0 {
		item = json.RawMessage("null")
	}
	s.mu.Lock()
	s.items[key] = append(s.items[key], item)
	s.mu.Unlock()
}

func (s *Store) arrived(key string) {
	s.mu.Lock()
	callbacks := make([]Callback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		s.notify.Submit(func() { cb(key) })
	}
}

// Push marshals value and appends it.
func (s *Store) Push(key string, value any) error {
	raw, err := jsoncodec.Raw(value)
	if err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	s.Append(key, raw)
	return nil
}

// Pop removes and returns the newest item of key, or def when there is none.
func (s *Store) Pop(key string, def json.RawMessage) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.items[key]
	if len(seq) == 0 {
		return def
	}
	item := seq[len(seq)-1]
	s.items[key] = seq[:len(seq)-1]
	return item
}

// Shift removes and returns the oldest item of key, or def when there is
// none.
func (s *Store) Shift(key string, def json.RawMessage) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.items[key]
	if len(seq) == 0 {
		return def
	}
	item := seq[0]
	seq[0] = nil
	s.items[key] = seq[1:]
	return item
}

// PopInto pops into dst. It reports false, leaving dst alone, when key has
// no items.
func (s *Store) PopInto(key string, dst any) (bool, error) {
	return decodeItem(s.Pop(key, nil), dst)
}

// ShiftInto shifts into dst. It reports false, leaving dst alone, when key
// has no items.
func (s *Store) ShiftInto(key string, dst any) (bool, error) {
	return decodeItem(s.Shift(key, nil), dst)
}

func decodeItem(raw json.RawMessage, dst any) (bool, error) {
	if raw == nil {
		return false, nil
	}
	if err := jsoncodec.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	return true, nil
}

// Clear empties key but keeps it.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		s.items[key] = nil
	}
}

// ClearAll empties every key but keeps them all.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.items {
		s.items[k] = nil
	}
}

// Remove deletes key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// RemoveAll deletes every key.
func (s *Store) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string][]json.RawMessage)
}

// Keys lists existing keys, empty ones included, in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key exists, even if it is empty.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// IsEmpty reports whether key has no items. Absent keys are empty.
func (s *Store) IsEmpty(key string) bool {
	return s.Len(key) == 0
}

// Len returns the number of items held under key.
func (s *Store) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[key])
}

// AddCallback registers cb for every future arrival.
func (s *Store) AddCallback(cb Callback) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// ClearCallbacks drops every arrival callback.
func (s *Store) ClearCallbacks() {
	s.mu.Lock()
	s.callbacks = nil
	s.mu.Unlock()
}

// WaitCallbacks blocks until every scheduled arrival callback has run.
func (s *Store) WaitCallbacks() {
	s.notify.Wait()
}
