package persist

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"sketchsync/api/internal/command"
)

var commandsBucket = []byte("commands")

// BoltStore is the client's local mirror of the logs it has seen, in a single
// bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commandsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init mirror: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Write(_ context.Context, documentID string, cmds []command.Command) error {
	data, err := encodeLog(cmds)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(commandsBucket).Put([]byte(documentID), data)
	})
}

func (s *BoltStore) Read(_ context.Context, documentID string) ([]command.Command, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(commandsBucket).Get([]byte(documentID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return decodeLog(data)
}

// Documents lists the ids that have a mirrored log.
func (s *BoltStore) Documents() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(commandsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
