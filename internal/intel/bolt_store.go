package intel

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var intelBucket = []byte("intel")

// BoltStore persists ingested intel so a restarted bridge can re-seed a fresh matcher
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the registry database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(intelBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(in *Intel) error {
	if err := in.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(intelBucket).Put([]byte(in.ID), b)
	})
}

func (s *BoltStore) Get(id string) (*Intel, bool) {
	var in *Intel
	s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(intelBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		var decoded Intel
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}
		in = &decoded
		return nil
	})
	return in, in != nil
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(intelBucket).Delete([]byte(id))
	})
}

// All returns every decodable item; corrupt records are skipped
func (s *BoltStore) All() ([]*Intel, error) {
	var out []*Intel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(intelBucket).ForEach(func(k, v []byte) error {
			var in Intel
			if err := json.Unmarshal(v, &in); err != nil {
				return nil
			}
			out = append(out, &in)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Len() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(intelBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
