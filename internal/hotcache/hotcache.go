// Package hotcache is the hot storage tier: a BadgerDB key-value cache of
// frequently accessed memories with a sliding TTL and a per-user capacity
// cap. The cache is a projection of the document store; losing it costs
// latency, never data.
package hotcache

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Cache is the hot tier. Keys are user-scoped (user_id/memory_id) so one
// user's churn never evicts another user's entries.
type Cache struct {
	db       *badger.DB
	ttl      time.Duration
	capacity int

	// Per-user LRU index. Badger expires entries by TTL on its own; the
	// index enforces the capacity cap and picks eviction victims.
	mu    sync.Mutex
	users map[string]*userIndex
}

type userIndex struct {
	order *list.List               // front = most recent
	elems map[string]*list.Element // memory id -> element holding the id
}

// Options configures the cache.
type Options struct {
	// Dir is the badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence, for tests.
	InMemory bool

	// TTL is the sliding idle time before an entry expires.
	TTL time.Duration

	// Capacity is the per-user entry cap; 0 means unlimited.
	Capacity int
}

// New opens the hot cache.
func New(opts Options) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("hotcache: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Cache{
		db:       db,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		users:    make(map[string]*userIndex),
	}, nil
}

func key(userID, memoryID string) []byte {
	return []byte(userID + "/" + memoryID)
}

// Put installs a memory in the hot tier. When the user is at capacity the
// least recently used entries are evicted and their ids returned so the
// caller can demote them.
func (c *Cache) Put(m *types.Memory) (evicted []string, err error) {
	val, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode memory: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(m.UserID, m.ID), val).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	idx := c.indexFor(m.UserID)
	if el, ok := idx.elems[m.ID]; ok {
		idx.order.MoveToFront(el)
	} else {
		idx.elems[m.ID] = idx.order.PushFront(m.ID)
	}
	for c.capacity > 0 && idx.order.Len() > c.capacity {
		back := idx.order.Back()
		victim := back.Value.(string)
		idx.order.Remove(back)
		delete(idx.elems, victim)
		evicted = append(evicted, victim)
	}
	c.mu.Unlock()

	for _, id := range evicted {
		if derr := c.delete(m.UserID, id); derr != nil {
			logging.Get(logging.CategoryTier).Warn("evict %s/%s: %v", m.UserID, id, derr)
		}
	}
	return evicted, nil
}

// Get returns the cached memory and refreshes its TTL, or nil on miss.
// A hit also moves the entry to the front of the LRU index.
func (c *Cache) Get(userID, memoryID string) (*types.Memory, error) {
	var val []byte
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(userID, memoryID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		// Sliding expiry: rewrite the entry with a fresh TTL.
		return txn.SetEntry(badger.NewEntry(key(userID, memoryID), val).WithTTL(c.ttl))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.dropFromIndex(userID, memoryID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	idx := c.indexFor(userID)
	if el, ok := idx.elems[memoryID]; ok {
		idx.order.MoveToFront(el)
	} else {
		idx.elems[memoryID] = idx.order.PushFront(memoryID)
	}
	c.mu.Unlock()

	var m types.Memory
	if err := json.Unmarshal(val, &m); err != nil {
		return nil, fmt.Errorf("decode cached memory: %w", err)
	}
	return &m, nil
}

// Remove drops a memory from the hot tier, e.g. on demotion or deletion.
func (c *Cache) Remove(userID, memoryID string) error {
	c.dropFromIndex(userID, memoryID)
	return c.delete(userID, memoryID)
}

// IdleIDs returns the user's cached ids whose entries have not been touched
// within the idle cutoff. Badger exposes expiry, not last-touch, so idle
// detection reads remaining TTL: an entry untouched for (ttl - remaining)
// is idle when that exceeds the cutoff.
func (c *Cache) IdleIDs(userID string, idleFor time.Duration, now time.Time) ([]string, error) {
	var ids []string
	prefix := []byte(userID + "/")
	err := c.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			expires := time.Unix(int64(item.ExpiresAt()), 0)
			idle := c.ttl - expires.Sub(now)
			if idle >= idleFor {
				ids = append(ids, string(item.Key()[len(prefix):]))
			}
		}
		return nil
	})
	return ids, err
}

// Len returns the user's current entry count per the LRU index.
func (c *Cache) Len(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.users[userID]; ok {
		return idx.order.Len()
	}
	return 0
}

// Close closes the underlying badger database.
func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) indexFor(userID string) *userIndex {
	idx, ok := c.users[userID]
	if !ok {
		idx = &userIndex{order: list.New(), elems: make(map[string]*list.Element)}
		c.users[userID] = idx
	}
	return idx
}

func (c *Cache) dropFromIndex(userID, memoryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.users[userID]; ok {
		if el, ok := idx.elems[memoryID]; ok {
			idx.order.Remove(el)
			delete(idx.elems, memoryID)
		}
	}
}

func (c *Cache) delete(userID, memoryID string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(userID, memoryID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// badgerLogger routes badger output into the tier debug log, suppressing
// info and debug chatter.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	logging.Get(logging.CategoryTier).Error("[badger] "+f, v...)
}
func (badgerLogger) Warningf(f string, v ...interface{}) {
	logging.Get(logging.CategoryTier).Warn("[badger] "+f, v...)
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
