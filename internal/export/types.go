// Package export renders proposal versions as PDF or DOCX files.
package export

import "errors"

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts the query values pdf and docx, defaulting to pdf.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request selects what to export. A nil Version exports the current
// version; otherwise it is an index into the proposal history.
type Request struct {
	OwnerID  string
	RecordID string
	Version  *int
	Format   Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable means the proposal has no generated text yet.
	ErrContentUnavailable = errors.New("export content unavailable")
	ErrVersionOutOfRange  = errors.New("export version out of range")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
