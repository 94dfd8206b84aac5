package acquire

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// File is a user-selected file as received from a picker or multipart upload
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// FromFile reads the selected file and passes its bytes through unchanged.
// Only image-like files (image/* or a scanned PDF) are accepted.
func FromFile(f File) (*ImagePayload, error) {
	if f.Body == nil {
		return nil, fmt.Errorf("%w: no file was selected", ErrAcquisition)
	}

	contentType := normalizeContentType(f.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromName(f.Name)
	}
	if !isImageLike(contentType) {
		return nil, fmt.Errorf("%w: %q is not an image", ErrAcquisition, contentType)
	}

	data, err := io.ReadAll(f.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading file: %v", ErrAcquisition, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrAcquisition)
	}

	name := filepath.Base(f.Name)
	if name == "." || name == string(filepath.Separator) {
		name = "receipt"
	}

	return &ImagePayload{
		Data:        data,
		ContentType: contentType,
		Filename:    name,
	}, nil
}

// normalizeContentType lowercases the media type and drops any parameters
func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func contentTypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func isImageLike(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || contentType == "application/pdf"
}
