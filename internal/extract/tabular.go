package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// TabularExtractor turns each data row into one "header: value; ..." span.
// XLSX sheet names become sections.
type TabularExtractor struct{}

// NewTabularExtractor creates the tabular strategy.
func NewTabularExtractor() *TabularExtractor { return &TabularExtractor{} }

// Kind implements Extractor.
func (e *TabularExtractor) Kind() Kind { return KindTabular }

// Extract implements Extractor.
func (e *TabularExtractor) Extract(ctx context.Context, path string, data []byte) (*Document, error) {
	_, format := DetectKind(path)
	switch format {
	case "csv":
		return extractDelimited(data, ',')
	case "tsv":
		return extractDelimited(data, '\t')
	case "xlsx":
		return extractXLSX(ctx, data)
	default:
		return nil, fmt.Errorf("no tabular parser for format %q", format)
	}
}

func extractDelimited(data []byte, comma rune) (*Document, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing delimited text: %w", err)
		}
		rows = append(rows, rec)
	}

	doc := &Document{}
	doc.Spans = rowSpans(rows, "")
	return doc, nil
}

func extractXLSX(ctx context.Context, data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening xlsx: %w", err)
	}
	defer f.Close()

	doc := &Document{}
	if props, err := f.GetDocProps(); err == nil && props != nil {
		doc.Title = props.Title
	}
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		doc.Spans = append(doc.Spans, rowSpans(rows, sheet)...)
	}
	return doc, nil
}

// rowSpans treats the first non-empty row as the header.
func rowSpans(rows [][]string, section string) []Span {
	var (
		header []string
		spans  []Span
	)
	for _, row := range rows {
		if isBlankRow(row) {
			continue
		}
		if header == nil {
			header = row
			continue
		}
		parts := make([]string, 0, len(row))
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			name := fmt.Sprintf("column %d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				name = strings.TrimSpace(header[i])
			}
			parts = append(parts, name+": "+cell)
		}
		if len(parts) > 0 {
			spans = append(spans, Span{Text: strings.Join(parts, "; "), Section: section})
		}
	}
	// A header-only table still carries searchable text.
	if len(spans) == 0 && header != nil {
		spans = append(spans, Span{Text: strings.Join(header, "; "), Section: section})
	}
	return spans
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
