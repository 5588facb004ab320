// Package store implements the key-indexed KVS: a fixed array of buckets,
// each a singly-linked list of key entries guarded by a per-key rw-lock, plus
// the table-level rw-lock and the ordered multi-key locking protocol
// required to acquire several key locks without deadlock. Multi-key
// acquisition sorts the keys, attempts each lock, and backs off and retries
// from the start on contention rather than giving up after the first
// contended key.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	// BucketCount is 26 letter buckets; digit-initial keys are rejected
	// rather than colliding with the letter bucket of the same ordinal.
	BucketCount = 26
	// MaxStringSize bounds both keys and values, matching wire.MaxStringSize.
	MaxStringSize = 40
)

// ErrInvalidBucket is returned when a key's first byte does not map to one
// of the 26 letter buckets.
var ErrInvalidBucket = errors.New("store: key has no valid bucket (must start with a letter)")

// ErrKeyTooLong / ErrValueTooLong bound on-wire sizes.
var (
	ErrKeyTooLong   = errors.New("store: key exceeds MAX_STRING_SIZE")
	ErrValueTooLong = errors.New("store: value exceeds MAX_STRING_SIZE")
)

// keyEntry is one (key, value) record. The key is immutable after creation;
// only value mutates, under mu.
type keyEntry struct {
	key   string
	value string
	mu    sync.RWMutex
	next  *keyEntry
}

// Store is the bucketed in-memory key-value map.
type Store struct {
	tableMu sync.RWMutex // guards bucket-structure-wide operations (SHOW, BACKUP)
	buckets [BucketCount]*keyEntry

	backoffBase time.Duration
}

// New constructs an empty Store.
func New() *Store {
	return &Store{backoffBase: time.Millisecond}
}

// Bucket computes bucket(k): lower(k[0]) - 'a' for ASCII letters. Any other
// first byte is refused with ErrInvalidBucket.
func Bucket(key string) (int, error) {
	if key == "" {
		return 0, ErrInvalidBucket
	}
	c := key[0]
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	if c < 'a' || c > 'z' {
		return 0, ErrInvalidBucket
	}
	return int(c - 'a'), nil
}

func validate(key, value string) error {
	if len(key) > MaxStringSize {
		return ErrKeyTooLong
	}
	if len(value) > MaxStringSize {
		return ErrValueTooLong
	}
	_, err := Bucket(key)
	return err
}

// findLocked walks the bucket chain for key. Caller must hold at least the
// table read lock (or stronger) to make the walk itself safe with respect to
// concurrent structural mutation (insert/delete).
func (s *Store) findLocked(key string) *keyEntry {
	idx, err := Bucket(key)
	if err != nil {
		return nil
	}
	for e := s.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			return e
		}
	}
	return nil
}

// Pair is one (key, value) input/output element.
type Pair struct {
	Key   string
	Value string
}

// ReadResult is one READ output element; Missing is true when the key has
// no entry (reported as KVSERROR).
type ReadResult struct {
	Key     string
	Value   string
	Missing bool
}

// lockSet records entries held under either their write lock or their read
// lock. Keys that don't exist yet have no entry to lock; Write covers them by
// holding the table write lock instead.
type lockSet struct {
	entries []*keyEntry
	write   bool
}

// sortedDistinct returns keys deduplicated and sorted byte-lexicographically,
// a stable global order that avoids deadlock across overlapping key sets.
func sortedDistinct(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// tryLockExisting attempts a single non-blocking pass acquiring write (or
// read) locks on every key in sorted order that already has an entry.
// Missing keys are recorded in missing and are not locked here: Write
// creates them under the table write lock, Read reports them missing.
func (s *Store) tryLockExisting(keys []string, write bool) (locked []*keyEntry, missing []string, ok bool) {
	locked = make([]*keyEntry, 0, len(keys))
	for _, k := range keys {
		e := s.findLocked(k)
		if e == nil {
			missing = append(missing, k)
			continue
		}
		var got bool
		if write {
			got = e.mu.TryLock()
		} else {
			got = e.mu.TryRLock()
		}
		if !got {
			// release everything acquired so far in this pass and signal retry.
			s.unlock(locked, write)
			return nil, nil, false
		}
		locked = append(locked, e)
	}
	return locked, missing, true
}

func (s *Store) unlock(entries []*keyEntry, write bool) {
	for _, e := range entries {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
	}
}

// lockExistingWithBackoff attempts non-blocking acquisition in sorted order;
// on any failure it releases everything acquired so far, backs off, and
// retries the whole set.
func (s *Store) lockExistingWithBackoff(keys []string, write bool) (locked []*keyEntry, missing []string) {
	sorted := sortedDistinct(keys)
	backoff := s.backoffBase
	for {
		l, m, ok := s.tryLockExisting(sorted, write)
		if ok {
			return l, m
		}
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Write performs an atomic-with-respect-to-readers batch write of pairs: when
// every key already exists, their values are replaced under the keys' write
// locks acquired via the ordered multi-key protocol; when any key is new, the
// whole batch is applied under the table write lock, since the caller must
// hold write locks on every key's entry or the table write lock when
// creating new entries.
func (s *Store) Write(pairs []Pair) error {
	for _, p := range pairs {
		if err := validate(p.Key, p.Value); err != nil {
			return err
		}
	}

	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}

	s.tableMu.RLock()
	locked, missing := s.lockExistingWithBackoff(keys, true)
	s.tableMu.RUnlock()

	valueOf := make(map[string]string, len(pairs))
	for _, p := range pairs {
		valueOf[p.Key] = p.Value
	}
	if len(missing) == 0 {
		for _, e := range locked {
			e.value = valueOf[e.key]
		}
		s.unlock(locked, true)
		return nil
	}
	s.unlock(locked, true)

	// New keys mutate bucket structure, so the whole batch -- existing keys
	// included -- is applied in this phase under the table write lock, which
	// keeps any reader from seeing only part of the batch. The table lock is
	// taken before touching any entry -- the same table-before-entry order
	// Show/Backup use -- and never while still holding the existing-key
	// write locks released just above, which would invert that order and
	// deadlock against a concurrent Show/Backup.
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	for _, k := range sortedDistinct(keys) {
		idx, _ := Bucket(k) // already validated above
		if existing := s.findLocked(k); existing != nil {
			// already present, or created by another writer between the
			// existing-key pass and acquiring the table lock.
			existing.mu.Lock()
			existing.value = valueOf[k]
			existing.mu.Unlock()
			continue
		}
		e := &keyEntry{key: k, value: valueOf[k], next: s.buckets[idx]}
		s.buckets[idx] = e
	}
	return nil
}

// Read performs a batch read under per-key read locks acquired via the
// ordered multi-key protocol. Results are returned sorted by key.
func (s *Store) Read(keys []string) ([]ReadResult, error) {
	for _, k := range keys {
		if len(k) > MaxStringSize {
			return nil, ErrKeyTooLong
		}
		if _, err := Bucket(k); err != nil {
			return nil, err
		}
	}

	s.tableMu.RLock()
	locked, missing := s.lockExistingWithBackoff(keys, false)
	s.tableMu.RUnlock()
	defer s.unlock(locked, false)

	results := make([]ReadResult, 0, len(locked)+len(missing))
	for _, e := range locked {
		results = append(results, ReadResult{Key: e.key, Value: e.value})
	}
	for _, k := range missing {
		results = append(results, ReadResult{Key: k, Missing: true})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Delete unlinks each present key and reports keys that had no entry.
// Deletion always mutates bucket structure, so it takes the table write lock
// up front -- the same table-before-entry order Show/Backup use -- for the
// whole operation, rather than locking entries first and upgrading to the
// table write lock afterward, which would invert that order and deadlock
// against a concurrent Show/Backup holding the table read lock while
// waiting on one of these entries' locks.
func (s *Store) Delete(keys []string) (deleted []string, missing []string, err error) {
	for _, k := range keys {
		if len(k) > MaxStringSize {
			return nil, nil, ErrKeyTooLong
		}
		if _, berr := Bucket(k); berr != nil {
			return nil, nil, berr
		}
	}

	sorted := sortedDistinct(keys)

	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	for _, k := range sorted {
		e := s.findLocked(k)
		if e == nil {
			missing = append(missing, k)
			continue
		}
		idx, _ := Bucket(k)
		e.mu.Lock()
		s.unlinkLocked(idx, k)
		e.mu.Unlock()
		deleted = append(deleted, k)
	}
	return deleted, missing, nil
}

// unlinkLocked removes the entry with the given key from its bucket chain.
// Caller must hold tableMu (write) and the entry's own write lock.
func (s *Store) unlinkLocked(idx int, key string) {
	var prev *keyEntry
	for e := s.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				s.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Show iterates all buckets in bucket-then-list order under the table read
// lock, invoking emit(key, value) for each entry. This is the common path
// used by both the SHOW command and (via a standalone snapshot) the Backup
// Engine.
func (s *Store) Show(emit func(key, value string)) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	for _, head := range s.buckets {
		for e := head; e != nil; e = e.next {
			e.mu.RLock()
			emit(e.key, e.value)
			e.mu.RUnlock()
		}
	}
}

// Snapshot returns a consistent copy of every (key, value) pair, taken under
// the table read lock, for use by the Backup Engine: once this call returns
// the lock is released and serialization proceeds against the copy, so a
// long-running backup write never holds back writers.
func (s *Store) Snapshot() []Pair {
	var out []Pair
	s.Show(func(k, v string) {
		out = append(out, Pair{Key: k, Value: v})
	})
	return out
}

// Exists reports whether key currently has an entry. Used by SUBSCRIBE to
// validate the key exists in the store.
func (s *Store) Exists(key string) bool {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	e := s.findLocked(key)
	return e != nil
}
