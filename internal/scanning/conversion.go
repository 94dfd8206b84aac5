package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/zombor/receipt-scanner/internal/acquire"
)

// extractionPrompt is shared by the LLM backends
const extractionPrompt = `You are reading a photo or scan of a purchase receipt. Extract:

1. vendor: the merchant or store name printed at the top of the receipt.
2. total: the final amount paid (grand total / amount due), digits and decimal point only, e.g. "42.75".
3. date: the purchase date exactly as printed, converted to YYYY-MM-DD when the format is unambiguous.
4. category: one short spending category such as Food, Groceries, Transport, Health, Shopping, Utilities.

Return ONLY a JSON object in this exact shape:
{"vendor": "", "total": "", "date": "", "category": ""}

If you cannot find a field, use null for it. Do not add text before or after the JSON.`

// pdfToPNG renders the first page of a PDF (receipts are almost always single page)
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG decodes JPEG, GIF, PNG, WebP or HEIC data and re-encodes it as PNG
func imageToPNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if isHEIC(data, mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIC checks the MIME type and the ftyp brand at offset 4
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// prepareImage converts the payload to PNG for backends that only read PNG
func prepareImage(payload *acquire.ImagePayload) ([]byte, error) {
	if payload == nil || len(payload.Data) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	mimeType := strings.ToLower(strings.TrimSpace(payload.ContentType))
	switch {
	case mimeType == "application/pdf":
		return pdfToPNG(payload.Data)
	case mimeType == "image/png" && !isHEIC(payload.Data, mimeType):
		return payload.Data, nil
	default:
		return imageToPNG(payload.Data, mimeType)
	}
}
