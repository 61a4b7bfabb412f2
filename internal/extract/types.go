package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Kind is the closed set of extraction strategies.
type Kind string

const (
	KindPaginated Kind = "paginated"
	KindFlowText  Kind = "flowtext"
	KindText      Kind = "text"
	KindTabular   Kind = "tabular"
	KindImage     Kind = "image"
	KindUnknown   Kind = ""
)

// Region is a page-relative rectangle in PDF points, origin bottom-left.
type Region struct {
	Page int     `json:"page"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// Union returns the smallest rectangle covering r and o. Pages must match.
func (r Region) Union(o Region) Region {
	return Region{
		Page: r.Page,
		X0:   min(r.X0, o.X0),
		Y0:   min(r.Y0, o.Y0),
		X1:   max(r.X1, o.X1),
		Y1:   max(r.Y1, o.Y1),
	}
}

// Span is one provenance-tagged run of text.
type Span struct {
	Text string
	// Page is 1-based; 0 means the format has no pages.
	Page    int
	Section string
	// CharStart and CharEnd are rune offsets into Document.Text().
	CharStart int
	CharEnd   int
	Region    *Region
}

// Document is the output of every strategy.
type Document struct {
	Title     string
	Abstract  string
	PageCount int
	Spans     []Span
}

// SpanSeparator joins span texts in Document.Text.
const SpanSeparator = "\n"

// Text returns the concatenated span text that CharStart/CharEnd index into.
func (d *Document) Text() string {
	parts := make([]string, len(d.Spans))
	for i, s := range d.Spans {
		parts[i] = s.Text
	}
	return strings.Join(parts, SpanSeparator)
}

// Extractor produces ordered provenance-tagged spans for one kind.
type Extractor interface {
	Kind() Kind
	Extract(ctx context.Context, path string, data []byte) (*Document, error)
}

// Finalize normalizes span text, drops empty spans and assigns rune offsets.
// Registry.Extract calls it; hand-built documents must call it before chunking.
func (d *Document) Finalize() {
	kept := d.Spans[:0]
	offset := 0
	for _, s := range d.Spans {
		s.Text = cleanText(s.Text)
		if s.Text == "" {
			continue
		}
		s.Section = cleanText(s.Section)
		s.CharStart = offset
		s.CharEnd = offset + utf8.RuneCountInString(s.Text)
		offset = s.CharEnd + utf8.RuneCountInString(SpanSeparator)
		kept = append(kept, s)
	}
	d.Spans = kept
	d.Title = cleanText(d.Title)
	d.Abstract = cleanText(d.Abstract)
}

// cleanText applies NFKC, repairs invalid UTF-8 and trims.
func cleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
