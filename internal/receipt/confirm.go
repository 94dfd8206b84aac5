package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zombor/receipt-scanner/internal/scanning"
)

var (
	// ErrNoDraft is returned when a draft operation targets a draft that is not pending
	ErrNoDraft = errors.New("no pending draft")
	// ErrUnknownField is returned when editing a field that does not exist or cannot change
	ErrUnknownField = errors.New("unknown or immutable draft field")
)

// Creator writes a confirmed record
type Creator interface {
	Create(ctx context.Context, record *Record, img *Image) (string, error)
}

// Confirmation holds at most one pending Draft between extraction and commit.
// Nothing reaches the store except through Commit.
type Confirmation struct {
	mu    sync.Mutex
	repo  Creator
	draft *Draft
}

// NewConfirmation creates a Confirmation that commits through repo
func NewConfirmation(repo Creator) *Confirmation {
	return &Confirmation{repo: repo}
}

// Open seeds a new draft for ownerID, replacing any pending one
func (c *Confirmation) Open(ownerID string, fields scanning.Fields, img *Image) *Draft {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draft = &Draft{
		OwnerID:  ownerID,
		Vendor:   fields.Vendor,
		Total:    fields.Total,
		Date:     fields.Date,
		Category: fields.Category,
		Image:    img,
	}
	return c.draft
}

// Draft returns the pending draft, or nil
func (c *Confirmation) Draft() *Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Edit sets one field of the draft. Any value is accepted, including empty.
func (c *Confirmation) Edit(d *Draft, field, value string) (*Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == nil || d != c.draft {
		return nil, ErrNoDraft
	}

	switch field {
	case FieldVendor:
		d.Vendor = value
	case FieldTotal:
		d.Total = value
	case FieldDate:
		d.Date = value
	case FieldCategory:
		d.Category = value
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return d, nil
}

// Commit writes the draft as a new record and clears it. If the write fails the draft
// stays pending so the user can retry.
func (c *Confirmation) Commit(ctx context.Context, d *Draft) (*Record, error) {
	c.mu.Lock()
	if d == nil || d != c.draft {
		c.mu.Unlock()
		return nil, ErrNoDraft
	}
	record := d.record()
	img := d.Image
	c.mu.Unlock()

	if _, err := c.repo.Create(ctx, record, img); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.draft == d {
		c.draft = nil
	}
	c.mu.Unlock()

	return record, nil
}

// Cancel discards the draft without touching the store
func (c *Confirmation) Cancel(d *Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == nil || d == c.draft {
		c.draft = nil
	}
}
