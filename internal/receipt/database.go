package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName      = "receipts"
	ownerBucketName = "owners"
)

// ErrNotFound is returned by a Store when no record with the id exists for the owner
var ErrNotFound = errors.New("receipt not found")

// Store defines the interface for the durable record store
type Store interface {
	// Put writes a record keyed by its ID
	Put(ctx context.Context, record *Record) error

	// Get returns the owner's record with the given ID or ErrNotFound
	Get(ctx context.Context, ownerID, id string) (*Record, error)

	// ListByOwner returns every record whose OwnerID equals ownerID
	ListByOwner(ctx context.Context, ownerID string) ([]*Record, error)

	// Delete removes the owner's record; a missing record is not an error
	Delete(ctx context.Context, ownerID, id string) error

	// Close closes the underlying database
	Close() error
}

// BoltDB implements Store using BoltDB. Records live in the receipts bucket keyed by
// ID; the owners bucket holds one nested bucket per owner indexing that owner's IDs.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(ownerBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Put saves a record and indexes it under its owner
func (b *BoltDB) Put(_ context.Context, record *Record) error {
	if record.ID == "" || record.OwnerID == "" {
		return fmt.Errorf("record id and owner are required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := tx.Bucket([]byte(bucketName)).Put([]byte(record.ID), data); err != nil {
			return err
		}
		owner, err := tx.Bucket([]byte(ownerBucketName)).CreateBucketIfNotExists([]byte(record.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner index: %w", err)
		}
		return owner.Put([]byte(record.ID), []byte{})
	})
}

// Get retrieves the owner's record by ID
func (b *BoltDB) Get(_ context.Context, ownerID, id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getOwned(tx, ownerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListByOwner returns all records of one owner
func (b *BoltDB) ListByOwner(_ context.Context, ownerID string) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		owner := tx.Bucket([]byte(ownerBucketName)).Bucket([]byte(ownerID))
		if owner == nil {
			return nil
		}
		receipts := tx.Bucket([]byte(bucketName))
		return owner.ForEach(func(k, _ []byte) error {
			data := receipts.Get(k)
			if data == nil {
				// Index entry without a record; skip it
				return nil
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if record.OwnerID != ownerID {
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the owner's record and its index entry
func (b *BoltDB) Delete(_ context.Context, ownerID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getOwned(tx, ownerID, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Bucket([]byte(bucketName)).Delete([]byte(id)); err != nil {
			return err
		}
		if owner := tx.Bucket([]byte(ownerBucketName)).Bucket([]byte(ownerID)); owner != nil {
			return owner.Delete([]byte(id))
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func getOwned(tx *bbolt.Tx, ownerID, id string) (*Record, error) {
	data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	if record.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &record, nil
}
