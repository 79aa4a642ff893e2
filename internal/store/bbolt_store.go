package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

var (
	// Bucket names
	BucketSnapshots = []byte("snapshots")
	BucketMeta      = []byte("meta")

	// Meta keys
	MetaLastSweep = []byte("last_sweep")

	ErrInvalidKey = errors.New("invalid key format")
)

// BBoltStore implements Store using bbolt. Snapshots are keyed by their
// encoded timestamp.
type BBoltStore struct {
	path string
	db   *bolt.DB
}

// NewBBoltStore creates a new BBoltStore.
func NewBBoltStore(path string) *BBoltStore {
	return &BBoltStore{path: path}
}

// Open opens the bbolt database.
func (s *BBoltStore) Open() error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return xerrors.Errorf("failed to open bbolt store: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{BucketSnapshots, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return xerrors.Errorf("failed to create bucket %s: %w", string(b), err)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to initialize buckets: %w", err)
	}

	return nil
}

// Close closes the bbolt database.
func (s *BBoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutSnapshot records a snapshot.
func (s *BBoltStore) PutSnapshot(ctx context.Context, snap model.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BucketSnapshots).Put(EncodeTime(snap.At), EncodeSnapshot(snap)); err != nil {
			return xerrors.Errorf("failed to store snapshot: %w", err)
		}
		return nil
	})
}

// ListSnapshots returns snapshots taken at or after since, oldest first.
func (s *BBoltStore) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]model.Snapshot, error) {
	var snaps []model.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketSnapshots).Cursor()
		for k, v := c.Seek(EncodeTime(since)); k != nil; k, v = c.Next() {
			if limit > 0 && len(snaps) == limit {
				break
			}
			snap, err := DecodeSnapshot(v)
			if err != nil {
				continue // Skip malformed entries
			}
			snaps = append(snaps, snap)
		}
		return nil
	})

	return snaps, err
}

// DeleteSnapshotsBefore removes snapshots taken before cutoff.
func (s *BBoltStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	end := EncodeTime(cutoff)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketSnapshots)
		var expired [][]byte
		c := b.Cursor()
		// Keys are sorted, so stop at the first key not before cutoff.
		for k, _ := c.First(); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			expired = append(expired, append([]byte(nil), k...))
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return xerrors.Errorf("failed to delete snapshot: %w", err)
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// GetLastSweepTime returns the last time the sweeper ran. The zero time
// means never.
func (s *BBoltStore) GetLastSweepTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BucketMeta).Get(MetaLastSweep)
		if v == nil {
			return nil
		}
		var err error
		t, err = DecodeTime(v)
		return err
	})
	return t, err
}

// SetLastSweepTime records the last sweeper run time.
func (s *BBoltStore) SetLastSweepTime(ctx context.Context, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketMeta).Put(MetaLastSweep, EncodeTime(t))
	})
}
