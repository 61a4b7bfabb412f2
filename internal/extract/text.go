package extract

import (
	"context"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextExtractor handles plain text. Paragraphs split on blank lines.
type TextExtractor struct{}

// NewTextExtractor creates the plain-text strategy.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Kind implements Extractor.
func (e *TextExtractor) Kind() Kind { return KindText }

// Extract implements Extractor.
func (e *TextExtractor) Extract(_ context.Context, _ string, data []byte) (*Document, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	for _, para := range splitParagraphs(text) {
		if doc.Title == "" {
			doc.Title = firstLine(para, 200)
		}
		doc.Spans = append(doc.Spans, Span{Text: para})
	}
	return doc, nil
}

// decodeText honours UTF-8/UTF-16 byte order marks, defaulting to UTF-8.
func decodeText(data []byte) (string, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(out), "\r\n", "\n"), nil
}

// splitParagraphs splits on one or more blank lines.
func splitParagraphs(text string) []string {
	var (
		out  []string
		cur  []string
		emit = func() {
			if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
				out = append(out, p)
			}
			cur = cur[:0]
		}
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			emit()
			continue
		}
		cur = append(cur, line)
	}
	emit()
	return out
}

func firstLine(s string, limit int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > limit {
		return string(r[:limit])
	}
	return line
}
