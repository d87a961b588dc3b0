package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Store holds live sessions with a sliding TTL. Expired and deleted sessions
// are passed to the eviction hook.
type Store struct {
	cache *cache.Cache
}

func NewStore(ttl, cleanup time.Duration, onEvict func(s *Session)) *Store {
	c := cache.New(ttl, cleanup)
	if onEvict != nil {
		c.OnEvicted(func(_ string, v interface{}) {
			if s, ok := v.(*Session); ok {
				onEvict(s)
			}
		})
	}
	return &Store{cache: c}
}

func (st *Store) Put(s *Session) {
	st.cache.Set(s.ID, s, cache.DefaultExpiration)
}

// Get returns the session and refreshes its expiry. The entry is refreshed
// under the session's own id, and only while it is still present, so an
// eviction racing with Get is not undone.
func (st *Store) Get(id string) (*Session, bool) {
	v, ok := st.cache.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	if err := st.cache.Replace(s.ID, s, cache.DefaultExpiration); err != nil {
		return nil, false
	}
	return s, true
}

func (st *Store) Delete(id string) {
	st.cache.Delete(id)
}

func (st *Store) Count() int {
	return st.cache.ItemCount()
}
