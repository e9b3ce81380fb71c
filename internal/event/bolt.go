package event

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")
	bucketSeq    = []byte("seq")
)

// BoltDB is a bbolt file holding the events of many scans, one bucket per scan.
type BoltDB struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if needed) the event database at path.
func OpenBolt(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb %s: %w", path, err)
	}
	return &BoltDB{db: db}, nil
}

// Close closes the underlying file.
func (b *BoltDB) Close() error { return b.db.Close() }

// Store returns the store for scanID, replaying anything already persisted for it.
func (b *BoltDB) Store(scanID string) (*BoltStore, error) {
	name := []byte("scan:" + scanID)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}
		for _, sub := range [][]byte{bucketEvents, bucketSeq} {
			if _, err := root.CreateBucketIfNotExists(sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create buckets for scan %s: %w", scanID, err)
	}
	s := &BoltStore{MemoryStore: NewMemoryStore(), db: b.db, bucket: name}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replay scan %s: %w", scanID, err)
	}
	return s, nil
}

// DeleteScan removes every persisted event of scanID.
func (b *BoltDB) DeleteScan(scanID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte("scan:" + scanID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// BoltStore is a write-through store: reads are served from memory, every insert is
// also persisted so events survive a restart of the process.
type BoltStore struct {
	*MemoryStore
	db     *bbolt.DB
	bucket []byte
}

func (s *BoltStore) Put(ctx context.Context, e *Event) error {
	if err := s.MemoryStore.Put(ctx, e); err != nil {
		return err
	}
	return s.persist(e, true)
}

func (s *BoltStore) SetFalsePositive(hash string, fp bool) error {
	if err := s.MemoryStore.SetFalsePositive(hash, fp); err != nil {
		return err
	}
	e, _ := s.MemoryStore.Get(hash)
	stack := []*Event{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := s.persist(cur, false); err != nil {
			return err
		}
		stack = append(stack, s.MemoryStore.Children(cur.Hash)...)
	}
	return nil
}

// Close is a no-op; the BoltDB owner closes the file.
func (s *BoltStore) Close() error { return nil }

func (s *BoltStore) persist(e *Event, appendSeq bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Hash, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(s.bucket)
		if root == nil {
			return fmt.Errorf("bucket %s missing", s.bucket)
		}
		if err := root.Bucket(bucketEvents).Put([]byte(e.Hash), data); err != nil {
			return err
		}
		if !appendSeq {
			return nil
		}
		seq := root.Bucket(bucketSeq)
		n, err := seq.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], n)
		return seq.Put(key[:], []byte(e.Hash))
	})
}

func (s *BoltStore) replay() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(s.bucket)
		events := root.Bucket(bucketEvents)
		return root.Bucket(bucketSeq).ForEach(func(_, hash []byte) error {
			raw := events.Get(hash)
			if raw == nil {
				return fmt.Errorf("sequence references missing event %s", hash)
			}
			var e Event
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode event %s: %w", hash, err)
			}
			return s.MemoryStore.Put(context.Background(), &e)
		})
	})
}
