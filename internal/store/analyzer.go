package store

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"golang.org/x/text/unicode/norm"
)

const (
	// NFKCCharFilterName folds compatibility characters (full-width Latin,
	// ligatures, circled digits) before tokenization.
	NFKCCharFilterName = "evidx_nfkc"

	// AnalyzerName is the analyzer used for chunk text and query terms.
	AnalyzerName = "evidx_cjk"

	// textField is the only indexed field.
	textField = "text"

	// bm25Scoring selects bleve's BM25 scorer instead of tf-idf.
	bm25Scoring = "bm25"
)

func init() {
	_ = registry.RegisterCharFilter(NFKCCharFilterName, nfkcCharFilterConstructor)
}

type nfkcCharFilter struct{}

func (nfkcCharFilter) Filter(input []byte) []byte {
	return norm.NFKC.Bytes(input)
}

func nfkcCharFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.CharFilter, error) {
	return nfkcCharFilter{}, nil
}

// newIndexMapping builds the mapping shared by every lexical index: a single
// analyzed text field, the evidx_cjk analyzer and BM25 scoring.
func newIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	err := im.AddCustomAnalyzer(AnalyzerName, map[string]interface{}{
		"type":         custom.Name,
		"char_filters": []string{NFKCCharFilterName},
		"tokenizer":    unicode.Name,
		"token_filters": []string{
			cjk.WidthName,
			lowercase.Name,
			cjk.BigramName,
			en.StopName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add analyzer %s: %w", AnalyzerName, err)
	}

	textMapping := bleve.NewTextFieldMapping()
	textMapping.Analyzer = AnalyzerName
	textMapping.Store = false
	textMapping.IncludeTermVectors = false

	docMapping := bleve.NewDocumentStaticMapping()
	docMapping.AddFieldMappingsAt(textField, textMapping)

	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = AnalyzerName
	im.StoreDynamic = false
	im.IndexDynamic = false
	im.ScoringModel = bm25Scoring

	return im, nil
}

var (
	analyzerOnce sync.Once
	analyzer     analysis.Analyzer
	analyzerErr  error
)

func sharedAnalyzer() (analysis.Analyzer, error) {
	analyzerOnce.Do(func() {
		im, err := newIndexMapping()
		if err != nil {
			analyzerErr = err
			return
		}
		analyzer = im.AnalyzerNamed(AnalyzerName)
		if analyzer == nil {
			analyzerErr = fmt.Errorf("analyzer %s not registered", AnalyzerName)
		}
	})
	return analyzer, analyzerErr
}

// Tokenize runs text through the evidx_cjk analyzer and returns the distinct
// terms in first-seen order. Queries built from these terms match indexed
// terms exactly.
func Tokenize(text string) ([]string, error) {
	a, err := sharedAnalyzer()
	if err != nil {
		return nil, err
	}

	stream := a.Analyze([]byte(text))
	seen := make(map[string]struct{}, len(stream))
	terms := make([]string, 0, len(stream))
	for _, tok := range stream {
		term := string(tok.Term)
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms, nil
}
