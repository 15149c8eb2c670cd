package ingest

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIngest = []byte("ingest")
	keyCursor    = []byte("cursor")
)

// Checkpoint persists the last ingested event sequence so restarts resume
// where the previous run stopped instead of replaying the whole log.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens (or creates) the checkpoint store at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("rampindex: open checkpoint %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIngest)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("rampindex: init checkpoint bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Cursor returns the last persisted sequence, zero when nothing was ingested.
func (c *Checkpoint) Cursor() (uint64, error) {
	var cursor uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIngest).Get(keyCursor)
		if len(raw) == 8 {
			cursor = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return cursor, err
}

// Commit persists the cursor. Called only after the projected batch is in the
// database, so a crash between the two replays events rather than losing them.
func (c *Checkpoint) Commit(cursor uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], cursor)
		return tx.Bucket(bucketIngest).Put(keyCursor, raw[:])
	})
}

// Close releases the underlying store.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}
