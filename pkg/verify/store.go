package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Record is a persisted digest together with the file state it describes.
type Record struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	MTimeNano  int64     `json:"mtime_ns"`
	Digest     string    `json:"digest"`
	ComputedAt time.Time `json:"computed_at"`
}

// Matches reports whether r still describes a file of the given size and
// modification time.
func (r Record) Matches(size int64, mtime time.Time) bool {
	return r.Size == size && r.MTimeNano == mtime.UnixNano()
}

// Store persists digests keyed by path.
type Store interface {
	Get(ctx context.Context, path string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, path string) error
	DeleteTree(ctx context.Context, dir string) error
	Close() error
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[path]
	return rec, ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Path] = rec
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, path)
	return nil
}

func (m *MemoryStore) DeleteTree(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := treePrefix(dir)
	for p := range m.records {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(m.records, p)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var bucketChecksums = []byte("checksums")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists digests in BoltDB, one JSON record per path.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChecksums); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketChecksums, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{cfg: cfg, db: db}, nil
}

func (b *BoltStore) Get(ctx context.Context, path string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChecksums).Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

func (b *BoltStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChecksums).Put([]byte(rec.Path), data)
	})
}

func (b *BoltStore) Delete(ctx context.Context, path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChecksums).Delete([]byte(path))
	})
}

// DeleteTree removes dir and every record below it. Keys are sorted, so the
// subtree is one contiguous range after the prefix.
func (b *BoltStore) DeleteTree(ctx context.Context, dir string) error {
	prefix := []byte(treePrefix(dir))
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChecksums)
		if err := bucket.Delete([]byte(dir)); err != nil {
			return err
		}
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of stored records.
func (b *BoltStore) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketChecksums).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func treePrefix(dir string) string {
	return strings.TrimSuffix(dir, "/") + "/"
}
