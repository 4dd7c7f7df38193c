package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName     = "receipts"
	hashBucketName = "image_hashes"
)

// ErrNotFound is returned when no receipt matches
var ErrNotFound = errors.New("receipt not found")

// Filter narrows ListReceipts. Zero From or To leaves that side open.
type Filter struct {
	UserID string
	From   time.Time
	To     time.Time
}

func (f Filter) matches(r *Receipt) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && r.PurchaseDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.PurchaseDate.After(f.To) {
		return false
	}
	return true
}

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt saves a receipt and indexes its image hash
	SaveReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// FindByImageHash returns the user's receipt with the given image hash
	FindByImageHash(ctx context.Context, userID, hash string) (*Receipt, error)

	// ListReceipts returns matching receipts, newest purchase first
	ListReceipts(ctx context.Context, filter Filter) ([]*Receipt, error)

	// DeleteReceipt removes a receipt and its hash index entry
	DeleteReceipt(ctx context.Context, id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
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
		if _, err := tx.CreateBucketIfNotExists([]byte(hashBucketName)); err != nil {
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

func hashKey(userID, hash string) []byte {
	return []byte(userID + "\x00" + hash)
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := tx.Bucket([]byte(bucketName)).Put([]byte(receipt.ID), data); err != nil {
			return err
		}
		if receipt.ImageHash == "" {
			return nil
		}
		return tx.Bucket([]byte(hashBucketName)).Put(hashKey(receipt.UserID, receipt.ImageHash), []byte(receipt.ID))
	})
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// FindByImageHash looks up a receipt through the hash index
func (b *BoltDB) FindByImageHash(ctx context.Context, userID, hash string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(hashBucketName)).Get(hashKey(userID, hash))
		if id == nil {
			return fmt.Errorf("%w: image %s", ErrNotFound, hash)
		}
		var err error
		receipt, err = getReceipt(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns the receipts matching filter
func (b *BoltDB) ListReceipts(ctx context.Context, filter Filter) ([]*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter.matches(&receipt) {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		if !receipts[i].PurchaseDate.Equal(receipts[j].PurchaseDate) {
			return receipts[i].PurchaseDate.After(receipts[j].PurchaseDate)
		}
		return receipts[i].ID < receipts[j].ID
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		receipt, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		if receipt.ImageHash != "" {
			if err := tx.Bucket([]byte(hashBucketName)).Delete(hashKey(receipt.UserID, receipt.ImageHash)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
