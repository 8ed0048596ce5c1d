// Package kvstore implements the small key/value store (C6) used for
// session state, archived summaries/metadata, and observation timelines.
// It is backed by bbolt, a single-file embedded KV database, matching §6's
// "a single-file KV DB is acceptable" persisted-layout contract.
package kvstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// Store is a string→string key/value store with an additional observation
// timeline sub-API layered over the same bucket using an "observation:"
// key prefix.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	var val string
	var ok bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(key))
		if v != nil {
			val = string(v)
			ok = true
		}
		return nil
	})
	return val, ok
}

// Set stores key=value, overwriting any existing value.
func (s *Store) Set(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

// Delete removes key. It is idempotent on missing keys.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Keys returns all keys with the given prefix (empty prefix returns all).
func (s *Store) Keys(prefix string) []string {
	var keys []string
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys
}

func hasPrefix(b, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Observation is a single recorded timeline entry.
type Observation struct {
	Tool      string
	Type      string
	Content   string
	Project   string
	Entities  []string
	SessionID string
	Timestamp time.Time
}

const observationPrefix = "observation:"

// RecordObservation appends an observation to the timeline, keyed by
// session and timestamp so GetObservations can range-scan in order.
func (s *Store) RecordObservation(obs Observation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("kvstore: marshal observation: %w", err)
	}
	key := fmt.Sprintf("%s%s:%020d", observationPrefix, obs.SessionID, obs.Timestamp.UnixNano())
	return s.Set(key, string(payload))
}

// GetObservations returns observations filtered by session/project/type
// and occurring after the given time, newest first, capped at limit (0
// means unbounded).
func (s *Store) GetObservations(sessionID, project, obsType string, after time.Time, limit int) []Observation {
	prefix := observationPrefix
	if sessionID != "" {
		prefix += sessionID + ":"
	}
	var out []Observation
	for _, k := range s.Keys(prefix) {
		v, ok := s.Get(k)
		if !ok {
			continue
		}
		var obs Observation
		if err := json.Unmarshal([]byte(v), &obs); err != nil {
			continue
		}
		if project != "" && obs.Project != project {
			continue
		}
		if obsType != "" && obs.Type != obsType {
			continue
		}
		if !after.IsZero() && !obs.Timestamp.After(after) {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
