package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.trai.ch/zerr"
)

// ErrEmpty is returned by Oldest if the store holds no entries.
var ErrEmpty = zerr.New("store is empty")

// ArtifactStore stores built documents by route key.
// Every Put replaces the entry of its key as a whole, readers never observe
// a mix of two entries.
//
// Implementations must be thread-safe!
type ArtifactStore interface {
	// Get returns the entry for the given key, if it exists.
	// The returned bytes must not be modified.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous one.
	Put(entry Entry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists in the store.
	Has(key string) bool
	// Keys calls the given callback for each stored key.
	// The callback may call back into the store.
	Keys(cb func(string)) error
	// Oldest returns the key and build time of the least recently built entry,
	// leaving out the skipped keys.
	Oldest(skip ...string) (string, time.Time, error)
	Close() error
}

// Entry is a stored document.
type Entry struct {
	Key         string
	Title       string
	ContentType string
	ETag        string
	BuiltAt     time.Time
	Bytes       []byte
}

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

var _ ArtifactStore = MemStore{}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemStore) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	return entry, ok, nil
}

func (m MemStore) Put(entry Entry) error {
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = entry
	return nil
}

func (m MemStore) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStore) Has(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok
}

func (m MemStore) Keys(cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemStore) Oldest(skip ...string) (string, time.Time, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.db {
		if slices.Contains(skip, key) {
			continue
		}
		if oldestKey == "" || entry.BuiltAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.BuiltAt
		}
	}
	if oldestKey == "" {
		return "", time.Time{}, ErrEmpty
	}
	return oldestKey, oldestTime, nil
}

func (m MemStore) Close() error {
	return nil
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ ArtifactStore = SQLiteStore{}

var memoryDBs atomic.Int64

// NewSQLiteStore opens a store with the given file name as the db.
// If the file name is empty, a new private in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:regen-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, zerr.Wrap(err, "could not open sqlite store")
	}
	// a single connection keeps in-memory dbs alive and serializes writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			key TEXT PRIMARY KEY,
			title TEXT,
			content_type TEXT,
			etag TEXT,
			built_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS built_at_idx ON artifacts (built_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, zerr.With(zerr.Wrap(err, "could not prepare sqlite store"), "db", filename)
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var builtAt int64
	err := s.db.QueryRow(
		"SELECT title, content_type, etag, built_at, bytes FROM artifacts WHERE key = ?", key,
	).Scan(&entry.Title, &entry.ContentType, &entry.ETag, &builtAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, zerr.Wrap(err, "could not read artifact "+key)
	}
	entry.BuiltAt = time.Unix(0, builtAt)
	return entry, true, nil
}

func (s SQLiteStore) Put(entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO artifacts
		(key, title, content_type, etag, built_at, bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.Title, entry.ContentType, entry.ETag, entry.BuiltAt.UnixNano(), entry.Bytes)
	if err != nil {
		return zerr.Wrap(err, "could not write artifact "+entry.Key)
	}
	return nil
}

func (s SQLiteStore) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM artifacts WHERE key = ?", key); err != nil {
		return zerr.Wrap(err, "could not purge artifact "+key)
	}
	return nil
}

func (s SQLiteStore) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM artifacts WHERE key = ?", key).Scan(&one)
	return err == nil
}

func (s SQLiteStore) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM artifacts")
	if err != nil {
		return zerr.Wrap(err, "could not list artifacts")
	}
	// collect first, the only connection is busy while rows are open
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return zerr.Wrap(err, "could not list artifacts")
		}
		keys = append(keys, key)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return zerr.Wrap(err, "could not list artifacts")
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteStore) Oldest(skip ...string) (string, time.Time, error) {
	query := "SELECT key, built_at FROM artifacts"
	args := make([]any, 0, len(skip))
	if len(skip) > 0 {
		query += " WHERE key NOT IN (?" + strings.Repeat(", ?", len(skip)-1) + ")"
		for _, key := range skip {
			args = append(args, key)
		}
	}
	query += " ORDER BY built_at ASC LIMIT 1"

	var key string
	var builtAt int64
	err := s.db.QueryRow(query, args...).Scan(&key, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrEmpty
	}
	if err != nil {
		return "", time.Time{}, zerr.Wrap(err, "could not find oldest artifact")
	}
	return key, time.Unix(0, builtAt), nil
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
