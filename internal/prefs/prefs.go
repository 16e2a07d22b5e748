// Package prefs holds the local preference store: a small synchronous
// key to string mapping that survives restarts.
//
// Read-modify-write sequences on a Store are not coordinated across
// processes. Two clients sharing one file race and the last write wins.
package prefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"go.etcd.io/bbolt"
)

const (
	KeyUserID = "userId"
	KeyHandle = "handle"
	KeyColor  = "color"
	KeyRooms  = "rooms"
)

var bucketPrefs = []byte("prefs")

type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// BboltStore keeps preferences in a single bucket of a bbolt file.
type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open prefs db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrefs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create prefs bucket: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func (s *BboltStore) Get(key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPrefs).Get([]byte(key))
		if data == nil {
			return nil
		}
		value, ok = string(data), true
		return nil
	})
	return value, ok, err
}

func (s *BboltStore) Set(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put([]byte(key), []byte(value))
	})
}

// MemoryStore is a process-local Store, handy for ephemeral sessions and tests.
type MemoryStore struct {
	cache *geche.MapCache[string, string]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: geche.NewMapCache[string, string]()}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	value, err := s.cache.Get(key)
	if errors.Is(err, geche.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.cache.Set(key, value)
	return nil
}
