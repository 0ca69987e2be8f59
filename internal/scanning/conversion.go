package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// renderDPI matches a 2x zoom of the PDF's 72 DPI user space
const renderDPI = 144

// Decomposer splits documents into page images
type Decomposer struct {
	dpi float64
}

// NewDecomposer creates a Decomposer rendering PDF pages at 144 DPI
func NewDecomposer() *Decomposer {
	return &Decomposer{dpi: renderDPI}
}

// Count returns how many units a document will produce without rendering
// it. Unreadable PDFs count as zero.
func (d *Decomposer) Count(doc Document) int {
	if !doc.IsPDF() {
		return 1
	}
	pdf, err := fitz.NewFromMemory(doc.Data)
	if err != nil {
		slog.Warn("Failed to open PDF for counting", "file", doc.Name, "error", err)
		return 0
	}
	defer pdf.Close()
	return pdf.NumPage()
}

// Decompose renders a document into ordered PNG pages. It never fails:
// an unreadable document yields no pages.
func (d *Decomposer) Decompose(ctx context.Context, doc Document) [][]byte {
	if doc.IsPDF() {
		pages, err := d.pdfToImages(ctx, doc.Data)
		if err != nil {
			slog.Error("Failed to convert PDF to images", "file", doc.Name, "error", err)
		}
		return pages
	}

	pngData, err := imageToPNG(doc.Data, doc.ContentType)
	if err != nil {
		slog.Error("Failed to convert image", "file", doc.Name, "content_type", doc.ContentType, "error", err)
		return nil
	}
	return [][]byte{pngData}
}

// pdfToImages renders every page of a PDF. Pages rendered before an error
// are returned alongside it.
func (d *Decomposer) pdfToImages(ctx context.Context, pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([][]byte, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		img, err := doc.ImageDPI(n, d.dpi)
		if err != nil {
			return pages, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return pages, fmt.Errorf("encoding PNG for page %d: %w", n+1, err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	if mimeType == "image/png" && !isHEICFormat(imageData) {
		if _, err := png.DecodeConfig(bytes.NewReader(imageData)); err != nil {
			return nil, fmt.Errorf("decoding PNG: %w", err)
		}
		return imageData, nil
	}

	var img image.Image
	var err error

	// Check for HEIC/HEIF format (common on iPhones) - Go's standard image package doesn't support it
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box with brand 'heic', 'heif', 'mif1', 'msf1'
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
