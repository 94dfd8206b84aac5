// Package scanning turns an acquired receipt image into candidate receipt fields by
// calling an extraction service.
package scanning

import (
	"context"
	"errors"

	"github.com/zombor/receipt-scanner/internal/acquire"
)

// ErrExtractionFailed wraps every transport, status and decoding failure of an extraction call
var ErrExtractionFailed = errors.New("extraction failed")

// Fields are the candidate values returned by extraction.
// A field the service did not find is the empty string.
type Fields struct {
	Vendor   string `json:"vendor"`
	Total    string `json:"total"`
	Date     string `json:"date"`
	Category string `json:"category"`
}

// Extractor defines the interface for receipt extraction backends
type Extractor interface {
	// Extract sends the image to the extraction service and returns the fields it found
	Extract(ctx context.Context, image *acquire.ImagePayload) (*Fields, error)
	// Close releases any resources held by the backend
	Close() error
}
