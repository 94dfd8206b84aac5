// Package dashboard drives one signed-in user's receipt workflow: acquire an image,
// extract fields, confirm or cancel the draft, and keep the receipt list current.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zombor/receipt-scanner/internal/acquire"
	"github.com/zombor/receipt-scanner/internal/metrics"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/internal/session"
)

var (
	// ErrBusy is returned when a scan or commit is started while another is in flight
	ErrBusy = errors.New("another scan is in progress")
	// ErrAbandoned is returned by a scan whose result was discarded before it finished
	ErrAbandoned = errors.New("acquisition abandoned")
)

// State is the position of the controller in the scan workflow
type State int

const (
	Idle State = iota
	Acquiring
	Extracting
	AwaitingConfirmation
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Extracting:
		return "extracting"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Repository is what the controller needs from the record repository
type Repository interface {
	receipt.Creator
	ListByOwner(ctx context.Context, ownerID string) ([]*receipt.Record, error)
	DeleteByID(ctx context.Context, ownerID, id string) error
}

// View is a snapshot of everything the dashboard shows
type View struct {
	State    State             `json:"state"`
	Draft    *receipt.Draft    `json:"draft,omitempty"`
	Receipts []*receipt.Record `json:"receipts"`
	Summary  receipt.Summary   `json:"summary"`
	Error    string            `json:"error,omitempty"`
}

// Controller is the dashboard of a single session
type Controller struct {
	mu        sync.Mutex
	session   *session.Session
	extractor scanning.Extractor
	repo      Repository
	confirm   *receipt.Confirmation
	metrics   metrics.Recorder

	state    State
	draft    *receipt.Draft
	receipts []*receipt.Record
	lastErr  error
	// generation changes whenever an in-flight scan result must be dropped
	generation uint64
}

// NewController creates an idle controller for sess. rec may be nil.
func NewController(sess *session.Session, extractor scanning.Extractor, repo Repository, rec metrics.Recorder) *Controller {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Controller{
		session:   sess,
		extractor: extractor,
		repo:      repo,
		confirm:   receipt.NewConfirmation(repo),
		metrics:   rec,
		receipts:  []*receipt.Record{},
	}
}

// State returns the current workflow state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View returns a snapshot safe to hand to other goroutines
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	receipts := make([]*receipt.Record, len(c.receipts))
	copy(receipts, c.receipts)

	v := View{
		State:    c.state,
		Draft:    snapshot(c.draft),
		Receipts: receipts,
		Summary:  receipt.Summarize(receipts),
	}
	if c.lastErr != nil {
		v.Error = c.lastErr.Error()
	}
	return v
}

// Refresh refetches the owner's receipts, newest first
func (c *Controller) Refresh(ctx context.Context) ([]*receipt.Record, error) {
	owner, err := c.require()
	if err != nil {
		return nil, err
	}
	return c.refresh(ctx, owner)
}

// Capture scans a frame from cam
func (c *Controller) Capture(ctx context.Context, cam acquire.Camera) (*receipt.Draft, error) {
	return c.scan(ctx, "camera", func(ctx context.Context) (*acquire.ImagePayload, error) {
		return acquire.FromCamera(ctx, cam)
	})
}

// Upload scans a user-selected file
func (c *Controller) Upload(ctx context.Context, f acquire.File) (*receipt.Draft, error) {
	return c.scan(ctx, "file", func(context.Context) (*acquire.ImagePayload, error) {
		return acquire.FromFile(f)
	})
}

// scan runs acquisition then extraction. The lock is released around both calls so
// the dashboard stays readable while they run. Starting a scan over a pending draft
// discards that draft.
func (c *Controller) scan(ctx context.Context, source string, acquireFn func(context.Context) (*acquire.ImagePayload, error)) (*receipt.Draft, error) {
	c.mu.Lock()
	owner, err := c.session.Require()
	if err != nil {
		c.surface(err)
		c.mu.Unlock()
		return nil, err
	}
	switch c.state {
	case Acquiring, Extracting, Committing:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if c.draft != nil {
		c.confirm.Cancel(c.draft)
		c.draft = nil
	}
	c.generation++
	gen := c.generation
	c.state = Acquiring
	c.lastErr = nil
	c.mu.Unlock()

	payload, err := acquireFn(ctx)
	if err != nil && !errors.Is(err, acquire.ErrAcquisition) {
		err = fmt.Errorf("%w: %v", acquire.ErrAcquisition, err)
	}
	c.metrics.RecordAcquisition(source, err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil, ErrAbandoned
	}
	if err != nil {
		c.state = Idle
		c.surface(err)
		c.mu.Unlock()
		return nil, err
	}
	c.state = Extracting
	c.mu.Unlock()

	// Once sent, an extraction runs to completion even if the caller goes away
	start := time.Now()
	fields, err := c.extractor.Extract(context.WithoutCancel(ctx), payload)
	if err != nil && !errors.Is(err, scanning.ErrExtractionFailed) {
		err = fmt.Errorf("%w: %v", scanning.ErrExtractionFailed, err)
	}
	c.metrics.RecordExtraction(time.Since(start), err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return nil, ErrAbandoned
	}
	if err != nil {
		c.state = Idle
		c.surface(err)
		return nil, err
	}
	if !c.session.Valid() {
		c.state = Idle
		c.surface(session.ErrAuthRequired)
		return nil, session.ErrAuthRequired
	}

	c.draft = c.confirm.Open(owner, *fields, &receipt.Image{
		Data:        payload.Data,
		ContentType: payload.ContentType,
		Filename:    payload.Filename,
	})
	c.state = AwaitingConfirmation

	slog.Debug("Draft ready", "owner", owner, "source", source, "bytes", payload.Size())
	return snapshot(c.draft), nil
}

// AbandonAcquisition drops a scan that is still acquiring. It reports whether there
// was one to drop.
func (c *Controller) AbandonAcquisition() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Acquiring {
		return false
	}
	c.generation++
	c.state = Idle
	return true
}

// Draft returns the pending draft
func (c *Controller) Draft() (*receipt.Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.session.Require(); err != nil {
		return nil, err
	}
	if c.state != AwaitingConfirmation {
		return nil, receipt.ErrNoDraft
	}
	return snapshot(c.draft), nil
}

// Edit changes one field of the pending draft
func (c *Controller) Edit(field, value string) (*receipt.Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.session.Require(); err != nil {
		c.surface(err)
		return nil, err
	}
	if c.state != AwaitingConfirmation {
		return nil, receipt.ErrNoDraft
	}
	d, err := c.confirm.Edit(c.draft, field, value)
	if err != nil {
		return nil, err
	}
	return snapshot(d), nil
}

// Confirm commits the pending draft and refreshes the list. On failure the draft is
// kept so the user can retry or cancel.
func (c *Controller) Confirm(ctx context.Context) (*receipt.Record, error) {
	c.mu.Lock()
	owner, err := c.session.Require()
	if err != nil {
		c.surface(err)
		c.mu.Unlock()
		return nil, err
	}
	switch c.state {
	case AwaitingConfirmation:
	case Committing:
		c.mu.Unlock()
		return nil, ErrBusy
	default:
		c.mu.Unlock()
		return nil, receipt.ErrNoDraft
	}
	draft := c.draft
	gen := c.generation
	c.state = Committing
	c.lastErr = nil
	c.mu.Unlock()

	record, err := c.confirm.Commit(context.WithoutCancel(ctx), draft)
	c.metrics.RecordCommit(err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return record, err
	}
	if err != nil {
		c.state = AwaitingConfirmation
		c.surface(err)
		c.mu.Unlock()
		return nil, err
	}
	c.draft = nil
	c.state = Idle
	c.mu.Unlock()

	slog.Info("Receipt saved", "owner", owner, "id", record.ID)

	// The record is saved; a failed refetch only shows up in the view
	_, _ = c.refresh(ctx, owner)
	return record, nil
}

// Cancel discards the pending draft. Nothing is written.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != AwaitingConfirmation {
		return receipt.ErrNoDraft
	}
	c.confirm.Cancel(c.draft)
	c.draft = nil
	c.state = Idle
	c.lastErr = nil
	c.metrics.RecordCancel()
	return nil
}

// Delete removes one of the owner's receipts and refetches the list whether or not
// the delete succeeded.
func (c *Controller) Delete(ctx context.Context, id string) error {
	owner, err := c.require()
	if err != nil {
		return err
	}

	delErr := c.repo.DeleteByID(ctx, owner, id)
	c.metrics.RecordDelete(delErr)
	if delErr != nil {
		c.mu.Lock()
		c.surface(delErr)
		c.mu.Unlock()
	}

	_, refreshErr := c.refresh(ctx, owner)
	if delErr != nil {
		return delErr
	}
	return refreshErr
}

// Close resets the controller after sign-out. Scans still in flight are dropped when
// they return.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	if c.draft != nil {
		c.confirm.Cancel(c.draft)
		c.draft = nil
	}
	c.state = Idle
	c.receipts = []*receipt.Record{}
	c.lastErr = nil
}

func (c *Controller) require() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, err := c.session.Require()
	if err != nil {
		c.surface(err)
	}
	return owner, err
}

func (c *Controller) refresh(ctx context.Context, owner string) ([]*receipt.Record, error) {
	records, err := c.repo.ListByOwner(ctx, owner)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.surface(err)
		return nil, err
	}
	if !c.session.Valid() {
		return nil, session.ErrAuthRequired
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	c.receipts = records

	out := make([]*receipt.Record, len(records))
	copy(out, records)
	return out, nil
}

// surface records err for the view and logs it. Callers hold c.mu.
func (c *Controller) surface(err error) {
	c.lastErr = err
	var owner string
	if c.session != nil {
		owner = c.session.OwnerID()
	}
	if errors.Is(err, session.ErrAuthRequired) {
		slog.Warn("Dashboard action without session", "owner", owner)
		return
	}
	slog.Error("Dashboard action failed", "owner", owner, "state", c.state, "error", err)
}

func snapshot(d *receipt.Draft) *receipt.Draft {
	if d == nil {
		return nil
	}
	copied := *d
	return &copied
}
