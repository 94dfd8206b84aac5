package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/zombor/receipt-scanner/internal/acquire"
)

// uploadField is the multipart field carrying the image
const uploadField = "file"

// Client calls an HTTP extraction endpoint that accepts a multipart upload and answers
// with a JSON object of optional vendor, total, date and category fields.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a Client for the given endpoint. A nil httpClient uses the
// transport defaults.
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("extraction endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint: endpoint,
		client:   httpClient,
	}, nil
}

// extractionResponse accepts strings, numbers or null for every field
type extractionResponse struct {
	Vendor   looseString `json:"vendor"`
	Total    looseString `json:"total"`
	Date     looseString `json:"date"`
	Category looseString `json:"category"`
}

// looseString decodes a JSON string, number or boolean as text and null as ""
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	if data[0] == '{' || data[0] == '[' {
		// Nested values carry nothing we can show as a field
		*s = ""
		return nil
	}
	*s = looseString(data)
	return nil
}

// Extract uploads the image and maps the response to Fields. It never retries.
func (c *Client) Extract(ctx context.Context, image *acquire.ImagePayload) (*Fields, error) {
	if image == nil || len(image.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrExtractionFailed)
	}

	body, contentType, err := multipartBody(image)
	if err != nil {
		return nil, fmt.Errorf("%w: building upload: %v", ErrExtractionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrExtractionFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling extraction service: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: extraction service error (status %d): %s",
			ErrExtractionFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed extractionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrExtractionFailed, err)
	}

	// Values are passed through exactly as the service returned them
	return &Fields{
		Vendor:   string(parsed.Vendor),
		Total:    string(parsed.Total),
		Date:     string(parsed.Date),
		Category: string(parsed.Category),
	}, nil
}

// Close is a no-op for the HTTP client
func (c *Client) Close() error {
	return nil
}

func multipartBody(image *acquire.ImagePayload) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := image.Filename
	if filename == "" {
		filename = "receipt"
	}
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadField, filename))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
