package extract

import (
	"context"
	stderrors "errors"
	"fmt"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

// Registry dispatches extraction to the strategy for a file's kind.
type Registry struct {
	extractors map[Kind]Extractor
}

// NewRegistry returns a registry with every built-in strategy.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[Kind]Extractor)}
	r.Register(NewPDFExtractor())
	r.Register(NewFlowTextExtractor())
	r.Register(NewTextExtractor())
	r.Register(NewTabularExtractor())
	r.Register(NewImageExtractor())
	return r
}

// Register installs e for its kind, replacing any previous strategy.
func (r *Registry) Register(e Extractor) {
	r.extractors[e.Kind()] = e
}

// Extract runs the strategy for kind (detected from path when KindUnknown).
// Every failure is an ExtractionError carrying path, including parser panics.
func (r *Registry) Extract(ctx context.Context, path string, data []byte, kind Kind) (doc *Document, err error) {
	if kind == KindUnknown {
		kind, _ = DetectKind(path)
	}
	e, ok := r.extractors[kind]
	if !ok {
		return nil, everrors.UnsupportedKindError(path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			doc = nil
			err = everrors.ExtractionError(path, fmt.Errorf("parser panic: %v", p))
		}
	}()

	doc, err = e.Extract(ctx, path, data)
	if err != nil {
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if stderrors.Is(err, everrors.ErrExtraction) {
			return nil, err
		}
		return nil, everrors.ExtractionError(path, err)
	}
	if doc == nil {
		doc = &Document{}
	}
	doc.Finalize()
	return doc, nil
}
