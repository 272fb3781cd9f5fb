// Package extract turns uploaded chat files into plain text.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindUndecodableBytes  ErrorKind = "undecodable_bytes"
)

// ExtractionError reports why an upload produced no text.
type ExtractionError struct {
	Kind ErrorKind
	Ext  string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Ext, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Ext, e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// KindOf returns the extraction error kind carried by err, or "".
func KindOf(err error) ErrorKind {
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return extractErr.Kind
	}
	return ""
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Ext normalises a file name into a lower-case extension with its dot.
func Ext(fileName string) string {
	return strings.ToLower(filepath.Ext(fileName))
}

// Rejected reports whether uploads with ext are refused before any record is
// created.
func Rejected(ext string) bool {
	return ext == ".pdf" || ext == ".doc"
}

// Extract converts content into text according to ext (".docx", ".csv", ...).
// Unknown extensions are treated as plain text.
func (e *Extractor) Extract(content []byte, ext string) (string, error) {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	var (
		text string
		err  error
	)
	switch ext {
	case ".pdf", ".doc":
		return "", &ExtractionError{Kind: KindUnsupportedFormat, Ext: ext}
	case ".docx":
		text, err = extractDOCX(content)
	case ".xlsx":
		text, err = extractExcel(content)
	case ".csv":
		text, err = extractCSV(content)
	default:
		text, err = extractPlain(content)
	}
	if err != nil {
		return "", &ExtractionError{Kind: KindUndecodableBytes, Ext: ext, Err: err}
	}
	return text, nil
}
