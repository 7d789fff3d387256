package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataBucket = []byte("data")
	metaBucket = []byte("meta")
	metaKey    = []byte("replica")
)

// BoltStore implements Store on a bbolt file, one file per volume replica.
// Data and metadata live in separate buckets and Apply writes both in a
// single transaction, so a crash never leaves the sequence id ahead of or
// behind the data it describes.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the store file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{dataBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Path() string { return b.db.Path() }

func (b *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

func (b *BoltStore) Put(key string, value []byte) error {
	return b.update(func(tx *bolt.Tx) error {
		return putChange(tx.Bucket(dataBucket), Change{Key: key, Value: value})
	})
}

func (b *BoltStore) Delete(key string) error {
	return b.update(func(tx *bolt.Tx) error {
		return putChange(tx.Bucket(dataBucket), Change{Key: key, Delete: true})
	})
}

func (b *BoltStore) Apply(changes []Change, meta Meta) error {
	return b.update(func(tx *bolt.Tx) error {
		data := tx.Bucket(dataBucket)
		for _, c := range changes {
			if err := putChange(data, c); err != nil {
				return err
			}
		}
		return putMeta(tx, meta)
	})
}

func putChange(bk *bolt.Bucket, c Change) error {
	if c.Key == "" {
		return ErrInvalidKey
	}
	if c.Delete {
		return bk.Delete([]byte(c.Key))
	}
	return bk.Put([]byte(c.Key), append([]byte{}, c.Value...))
}

func putMeta(tx *bolt.Tx, meta Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Bucket(metaBucket).Put(metaKey, raw)
}

// List returns all keys in ascending order. A closed store lists nothing.
func (b *BoltStore) List() []string {
	var keys []string
	_ = b.view(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if keys == nil {
		keys = []string{}
	}
	return keys
}

func (b *BoltStore) Stats() StoreStats {
	var stats StoreStats
	_ = b.view(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats
}

func (b *BoltStore) Meta() (Meta, error) {
	var meta Meta
	err := b.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metaKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

func (b *BoltStore) SaveMeta(meta Meta) error {
	return b.update(func(tx *bolt.Tx) error { return putMeta(tx, meta) })
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	return closedAs(b.db.View(fn))
}

func (b *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	return closedAs(b.db.Update(fn))
}

func closedAs(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	return err
}
