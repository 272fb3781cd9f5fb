package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var errBinary = errors.New("content looks binary")

// extractPlain decodes UTF-8 and falls back to Latin-1. Content with NUL
// bytes is treated as binary rather than text in either encoding.
func extractPlain(content []byte) (string, error) {
	if bytes.IndexByte(content, 0) >= 0 {
		return "", errBinary
	}
	if utf8.Valid(content) {
		return strings.TrimPrefix(string(content), "\ufeff"), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content)
	if err != nil {
		return "", fmt.Errorf("latin-1: %w", err)
	}
	return string(decoded), nil
}

// extractCSV re-joins the records with commas, one record per line.
func extractCSV(content []byte) (string, error) {
	text, err := extractPlain(content)
	if err != nil {
		return "", err
	}
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	lines := make([]string, len(records))
	for i, record := range records {
		lines[i] = strings.Join(record, ",")
	}
	return strings.Join(lines, "\n"), nil
}
