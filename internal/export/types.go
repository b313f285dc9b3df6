// Package export renders annotation review reports as HTML, PDF or DOCX.
package export

import (
	"errors"
	"time"

	"markup/internal/annotations"
	"markup/internal/versions"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat defaults to HTML when value is empty.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Report is everything the review report shows for one document.
type Report struct {
	DocumentName    string
	DocumentID      string
	ActiveVersionID string
	Versions        []versions.Record
	Annotations     []annotations.Annotation
	GeneratedBy     string
	GeneratedAt     time.Time
}

type Request struct {
	Format Format
	Report Report
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
