package receipt

import "time"

// Record is a confirmed receipt owned by one user
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Vendor    string    `json:"vendor"`
	Total     string    `json:"total"`
	Date      string    `json:"date"`
	Category  string    `json:"category"`
	ImageKey  string    `json:"image_key,omitempty"`  // key in image storage, empty when no image was kept
	ImageType string    `json:"image_type,omitempty"` // content type of the stored image
	CreatedAt time.Time `json:"created_at"`
}

// Draft holds extracted fields awaiting user confirmation. It is never persisted.
type Draft struct {
	OwnerID  string `json:"owner_id"`
	Vendor   string `json:"vendor"`
	Total    string `json:"total"`
	Date     string `json:"date"`
	Category string `json:"category"`

	// Image is the acquired image the fields were extracted from
	Image *Image `json:"-"`
}

// Image is a stored or to-be-stored receipt image
type Image struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Editable draft field names
const (
	FieldVendor   = "vendor"
	FieldTotal    = "total"
	FieldDate     = "date"
	FieldCategory = "category"
)

// record converts the draft into an unsaved Record
func (d *Draft) record() *Record {
	return &Record{
		OwnerID:  d.OwnerID,
		Vendor:   d.Vendor,
		Total:    d.Total,
		Date:     d.Date,
		Category: d.Category,
	}
}
