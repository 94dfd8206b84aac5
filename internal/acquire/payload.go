// Package acquire obtains raw receipt images from a camera frame or a user-selected file
// and normalizes both into a single ImagePayload.
package acquire

import "errors"

// ErrAcquisition is returned when no image could be obtained from the camera or file
var ErrAcquisition = errors.New("image acquisition failed")

// ImagePayload is the binary image handed to extraction
type ImagePayload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Size returns the payload length in bytes
func (p *ImagePayload) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}
