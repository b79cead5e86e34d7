package container

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Store persists ManagedContainer records. The Manager reads and writes it
// under its own lock, so implementations only need to be safe for
// sequential use plus concurrent reads.
type Store interface {
	Put(c *ManagedContainer) error
	Get(id string) (*ManagedContainer, error)
	List() ([]*ManagedContainer, error)
	Delete(id string) error
	Close() error
}

var bucketContainers = []byte("containers")

// BoltStore keeps the registry in a local bbolt file so managed containers
// survive process restarts.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the state file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create containers bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(c *ManagedContainer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) Get(id string) (*ManagedContainer, error) {
	var c ManagedContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) List() ([]*ManagedContainer, error) {
	var out []*ManagedContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c ManagedContainer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

// MemoryStore is the registry without persistence, used by tests and
// one-shot invocations.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*ManagedContainer
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*ManagedContainer)}
}

func (s *MemoryStore) Put(c *ManagedContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *c
	s.items[c.ID] = &snapshot
	return nil
}

func (s *MemoryStore) Get(id string) (*ManagedContainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *c
	return &snapshot, nil
}

func (s *MemoryStore) List() ([]*ManagedContainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ManagedContainer, 0, len(s.items))
	for _, c := range s.items {
		snapshot := *c
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
