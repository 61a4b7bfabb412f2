package extract

import (
	"context"
	"fmt"
)

// FlowTextExtractor handles unpaginated structured documents. Headings become
// span sections.
type FlowTextExtractor struct{}

// NewFlowTextExtractor creates the flow-text strategy.
func NewFlowTextExtractor() *FlowTextExtractor { return &FlowTextExtractor{} }

// Kind implements Extractor.
func (e *FlowTextExtractor) Kind() Kind { return KindFlowText }

// Extract implements Extractor.
func (e *FlowTextExtractor) Extract(ctx context.Context, path string, data []byte) (*Document, error) {
	_, format := DetectKind(path)
	switch format {
	case "docx":
		return extractDOCX(data)
	case "html":
		return extractHTML(data)
	case "md":
		return extractMarkdown(data)
	default:
		return nil, fmt.Errorf("no flow-text parser for format %q", format)
	}
}

// sectionBuilder accumulates paragraphs under the current heading.
type sectionBuilder struct {
	doc     Document
	section string
}

func (b *sectionBuilder) heading(text string) {
	if text == "" {
		return
	}
	if b.doc.Title == "" {
		b.doc.Title = text
	}
	b.section = text
	b.doc.Spans = append(b.doc.Spans, Span{Text: text, Section: text})
}

func (b *sectionBuilder) paragraph(text string) {
	if text == "" {
		return
	}
	b.doc.Spans = append(b.doc.Spans, Span{Text: text, Section: b.section})
}
