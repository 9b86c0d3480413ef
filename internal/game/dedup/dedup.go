// Package dedup remembers the event produced for each (client_id, event_id)
// pair so retried commands resolve to the original event instead of running
// again.
package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

// Default retention used when a room is built without explicit bounds.
const (
	DefaultSize = 65_536
	DefaultTTL  = 24 * time.Hour
)

// Key identifies one client command.
type Key struct {
	ClientID string
	EventID  string
}

// KeyOf returns the key of cmd.
func KeyOf(cmd event.Command) Key {
	return Key{ClientID: cmd.ClientID, EventID: cmd.EventID}
}

// Store is a bounded, expiring map from Key to the event the command
// produced. A key that has aged out is treated as never seen.
//
// Store is safe for concurrent use. Writes happen only on the owning room's
// serialized path; reads may come from any goroutine.
type Store struct {
	cache *expirable.LRU[Key, event.Event]
}

// New returns a Store retaining at most size keys for at most ttl each.
// size <= 0 disables the size bound; ttl <= 0 disables expiry.
func New(size int, ttl time.Duration) *Store {
	if size < 0 {
		size = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Store{cache: expirable.NewLRU[Key, event.Event](size, nil, ttl)}
}

// Lookup returns the event recorded for key.
func (s *Store) Lookup(key Key) (event.Event, bool) {
	return s.cache.Get(key)
}

// Record stores evt as the result of key.
//
// Precondition: evt has been appended to the room's log.
func (s *Store) Record(key Key, evt event.Event) {
	s.cache.Add(key, evt)
}

// Len returns the number of retained keys.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Purge drops every retained key.
func (s *Store) Purge() {
	s.cache.Purge()
}
