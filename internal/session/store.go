// Package session keeps substitution maps between a scrub and the later
// reinjection of an LLM response.
//
// Two implementations are provided:
//   - memoryStore  in-memory only, used in tests and when no path is configured.
//   - bboltStore   embedded key-value store (bbolt); entries survive restarts
//     and are sealed with AES-256-GCM when a key is configured.
//
// Entries expire TTL after they were saved. Expired entries are invisible to
// Load and are removed by Sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"phi-deid-gateway/internal/deid"
	"phi-deid-gateway/internal/logger"
)

// ErrNotFound is returned by Load for unknown, expired or unreadable sessions.
var ErrNotFound = errors.New("session not found")

// DefaultTTL is how long a substitution map stays retrievable.
const DefaultTTL = 15 * time.Minute

// Store persists substitution maps by session id.
// All implementations must be safe for concurrent use.
type Store interface {
	// Save stores m under id, replacing any earlier map and restarting its TTL.
	Save(id string, m deid.SubstitutionMap) error

	// Load returns the map saved under id, or ErrNotFound.
	Load(id string) (deid.SubstitutionMap, error)

	// Delete removes id. Deleting an unknown id is not an error.
	Delete(id string) error

	// Sweep removes every entry expired at now and reports how many it removed.
	Sweep(now time.Time) (int, error)

	// Kind names the backend ("memory" or "bbolt").
	Kind() string

	// Close releases any resources held by the store.
	Close() error
}

// record is the stored form of one session.
type record struct {
	SavedAt time.Time            `json:"saved_at"`
	SubMap  deid.SubstitutionMap `json:"sub_map"`
}

func (r record) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.SavedAt) >= ttl
}

// Open returns a bbolt-backed store at path, or an in-memory store when path
// is empty. If the bbolt file cannot be opened the error is logged and an
// in-memory store is returned instead. An invalid key is always an error.
func Open(path string, ttl time.Duration, key []byte, log *logger.Logger) (Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, err := newSealer(key); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadKey, err)
	}
	if path == "" {
		return NewMemory(ttl), nil
	}
	s, err := NewBbolt(path, ttl, key)
	if err != nil {
		log.Warnf("open", "%v; falling back to in-memory sessions", err)
		return NewMemory(ttl), nil
	}
	log.Infof("open", "session store opened at %s (sealed=%v)", path, key != nil)
	return s, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, log *logger.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.Sweep(now)
			if err != nil {
				log.Warnf("sweep", "%v", err)
				continue
			}
			if n > 0 {
				log.Debugf("sweep", "removed %d expired sessions", n)
			}
		}
	}
}

// --- memoryStore ---------------------------------------------------------

type memoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]record
}

// NewMemory returns an in-memory Store.
func NewMemory(ttl time.Duration) Store {
	return &memoryStore{ttl: ttl, now: time.Now, entries: make(map[string]record)}
}

func (s *memoryStore) Save(id string, m deid.SubstitutionMap) error {
	s.mu.Lock()
	s.entries[id] = record{SavedAt: s.now(), SubMap: copyMap(m)}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Load(id string) (deid.SubstitutionMap, error) {
	s.mu.RLock()
	r, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || r.expired(s.now(), s.ttl) {
		return nil, ErrNotFound
	}
	return copyMap(r.SubMap), nil
}

func (s *memoryStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Sweep(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.entries {
		if r.expired(now, s.ttl) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Kind() string { return "memory" }

func (s *memoryStore) Close() error { return nil }

func copyMap(m deid.SubstitutionMap) deid.SubstitutionMap {
	out := make(deid.SubstitutionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- bboltStore ----------------------------------------------------------

const bboltBucket = "sessions"

var errBadKey = errors.New("invalid session encryption key")

type bboltStore struct {
	db     *bolt.DB
	ttl    time.Duration
	now    func() time.Time
	sealer *sealer
}

// NewBbolt opens (or creates) the bbolt database at path. When key is
// non-nil it must be 32 bytes and every record is sealed with it.
func NewBbolt(path string, ttl time.Duration, key []byte) (Store, error) {
	sl, err := newSealer(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadKey, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	return &bboltStore{db: db, ttl: ttl, now: time.Now, sealer: sl}, nil
}

func (s *bboltStore) Save(id string, m deid.SubstitutionMap) error {
	raw, err := json.Marshal(record{SavedAt: s.now().UTC(), SubMap: m})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	val, err := s.sealer.seal(raw)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bboltBucket)).Put([]byte(id), val)
	})
}

func (s *bboltStore) Load(id string) (deid.SubstitutionMap, error) {
	var val []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bboltBucket)).Get([]byte(id)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if val == nil {
		return nil, ErrNotFound
	}
	r, err := s.decode(val)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if r.expired(s.now(), s.ttl) {
		return nil, ErrNotFound
	}
	return r.SubMap, nil
}

func (s *bboltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bboltBucket)).Delete([]byte(id))
	})
}

// Sweep also removes records it cannot decode, such as ones sealed with a
// previous key.
func (s *bboltStore) Sweep(now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			r, err := s.decode(v)
			if err != nil || r.expired(now, s.ttl) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *bboltStore) decode(val []byte) (record, error) {
	var r record
	raw, err := s.sealer.open(val)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode session: %w", err)
	}
	return r, nil
}

func (s *bboltStore) Kind() string { return "bbolt" }

func (s *bboltStore) Close() error {
	return s.db.Close()
}
