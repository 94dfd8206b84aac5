package acquire

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"io"
	"net/http"
	"strings"
	"time"

	_ "golang.org/x/image/webp" // Register WebP decoder, the default browser screenshot format
)

const (
	// CameraContentType is the content type of every camera capture
	CameraContentType = "image/jpeg"
	// CameraFilename is the filename attached to camera captures
	CameraFilename = "captured-image.jpg"

	jpegQuality = 90
)

// Camera yields a single still frame from a live stream on demand
type Camera interface {
	Frame(ctx context.Context) (image.Image, error)
}

// FromCamera grabs one frame and encodes it as a JPEG payload
func FromCamera(ctx context.Context, cam Camera) (*ImagePayload, error) {
	if cam == nil {
		return nil, fmt.Errorf("%w: no camera stream available", ErrAcquisition)
	}

	frame, err := cam.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: capturing frame: %v", ErrAcquisition, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: encoding frame: %v", ErrAcquisition, err)
	}

	return &ImagePayload{
		Data:        buf.Bytes(),
		ContentType: CameraContentType,
		Filename:    CameraFilename,
	}, nil
}

// DataURLFrame is a frame grabbed client-side and sent as a data URL
// (e.g. "data:image/jpeg;base64,....").
type DataURLFrame string

// Frame decodes the data URL into an image
func (d DataURLFrame) Frame(_ context.Context) (image.Image, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return nil, fmt.Errorf("empty frame")
	}

	meta, payload, found := strings.Cut(s, ",")
	if !found {
		// Bare base64 without the data: header
		payload = s
		meta = ""
	}
	if meta != "" && !strings.HasPrefix(meta, "data:image/") {
		return nil, fmt.Errorf("frame is not an image data URL")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 frame: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding frame image: %w", err)
	}
	return img, nil
}

// SnapshotCamera reads still frames from an HTTP snapshot endpoint of a running stream,
// such as the /snapshot URL most IP cameras and mjpeg-streamer expose.
type SnapshotCamera struct {
	url    string
	client *http.Client
}

// NewSnapshotCamera creates a SnapshotCamera for the given snapshot URL
func NewSnapshotCamera(url string) *SnapshotCamera {
	return &SnapshotCamera{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Frame fetches and decodes one snapshot
func (c *SnapshotCamera) Frame(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera stream unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("camera stream unavailable (status %d)", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return img, nil
}
