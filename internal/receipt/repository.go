// Package receipt owns confirmed receipt records: the draft/confirm workflow that creates
// them and the repository through which they are stored, listed and deleted.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrPersistenceFailed wraps every failure of the record store
var ErrPersistenceFailed = errors.New("persistence failed")

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now().UTC()
}

// Repository is the single source of truth for a user's receipts
type Repository struct {
	store       Store
	images      Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewRepository creates a Repository. images may be nil, in which case receipt images
// are not kept.
func NewRepository(store Store, images Storage) *Repository {
	return NewRepositoryWithDeps(store, images, uuidGenerator{}, systemTime{})
}

// NewRepositoryWithDeps creates a Repository with custom ID and time sources for testing
func NewRepositoryWithDeps(store Store, images Storage, idGen IDGenerator, timeSrc TimeSource) *Repository {
	return &Repository{
		store:       store,
		images:      images,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Create assigns an ID and creation time to the record and writes it. When img is set
// and image storage is configured the image is stored first and removed again if the
// record cannot be written.
func (r *Repository) Create(ctx context.Context, record *Record, img *Image) (string, error) {
	if record == nil || record.OwnerID == "" {
		return "", fmt.Errorf("%w: record has no owner", ErrPersistenceFailed)
	}

	stored := *record
	stored.ID = r.idGenerator.Generate()
	stored.CreatedAt = r.timeSource.Now()
	stored.ImageKey = ""
	stored.ImageType = ""

	if img != nil && len(img.Data) > 0 && r.images != nil {
		key, err := r.images.Save(ctx, imageKey(stored.OwnerID, stored.ID, img.Filename), img.Data, img.ContentType)
		if err != nil {
			return "", fmt.Errorf("%w: saving image: %v", ErrPersistenceFailed, err)
		}
		stored.ImageKey = key
		stored.ImageType = img.ContentType
	}

	if err := r.store.Put(ctx, &stored); err != nil {
		if stored.ImageKey != "" {
			if delErr := r.images.Delete(ctx, stored.ImageKey); delErr != nil {
				slog.Warn("Failed to remove image of unsaved receipt", "key", stored.ImageKey, "error", delErr)
			}
		}
		return "", fmt.Errorf("%w: saving receipt: %v", ErrPersistenceFailed, err)
	}

	*record = stored
	return stored.ID, nil
}

// ListByOwner returns all receipts of the owner in no particular order
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	records, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing receipts: %v", ErrPersistenceFailed, err)
	}
	return records, nil
}

// DeleteByID removes the owner's receipt. Deleting an ID that does not exist, or that
// belongs to someone else, succeeds without touching anything.
func (r *Repository) DeleteByID(ctx context.Context, ownerID, id string) error {
	record, err := r.store.Get(ctx, ownerID, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: getting receipt for deletion: %v", ErrPersistenceFailed, err)
	}

	if err := r.store.Delete(ctx, ownerID, id); err != nil {
		return fmt.Errorf("%w: deleting receipt: %v", ErrPersistenceFailed, err)
	}

	if record.ImageKey != "" && r.images != nil {
		// The record is gone; a leftover image is only logged
		if err := r.images.Delete(ctx, record.ImageKey); err != nil {
			slog.Warn("Failed to delete receipt image", "key", record.ImageKey, "error", err)
		}
	}
	return nil
}

// Image returns the stored image of the owner's receipt
func (r *Repository) Image(ctx context.Context, ownerID, id string) (*Image, error) {
	record, err := r.store.Get(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: getting receipt: %v", ErrPersistenceFailed, err)
	}
	if record.ImageKey == "" || r.images == nil {
		return nil, fmt.Errorf("%w: receipt %s has no image", ErrNotFound, id)
	}

	data, err := r.images.Get(ctx, record.ImageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading image: %v", ErrPersistenceFailed, err)
	}
	return &Image{Data: data, ContentType: record.ImageType, Filename: record.ImageKey}, nil
}
