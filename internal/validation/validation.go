// Package validation runs golden queries against a live index and reports
// whether the expected documents come back.
//
// Queries are data-driven, loaded from a YAML file with three sections:
// tier1 queries must pass, tier2 queries are tracked but may fail, and
// negative queries must be answered without an unexpected error and must not
// return any of their listed paths.
package validation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/search"
)

// DefaultLimit is how many results each query inspects.
const DefaultLimit = 10

// QuerySpec defines a query with expected results.
type QuerySpec struct {
	ID       string   `yaml:"id" json:"id"`             // e.g. "T1-03"
	Name     string   `yaml:"name" json:"name"`         // human-readable name
	Query    string   `yaml:"query" json:"query"`       // the query text
	Scope    []string `yaml:"scope" json:"scope"`       // optional bank paths
	Expected []string `yaml:"expected" json:"expected"` // path prefixes; negative queries list forbidden ones
	Notes    string   `yaml:"notes" json:"notes,omitempty"`
	Tier     int      `yaml:"-" json:"tier"` // 1, 2, or 0 for negative
}

// QueryConfig holds all queries of one file.
type QueryConfig struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// LoadQueries reads a query file.
func LoadQueries(path string) (*QueryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQueries(data)
}

// ParseQueries parses query YAML and assigns tiers.
func ParseQueries(data []byte) (*QueryConfig, error) {
	var cfg QueryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	seen := make(map[string]bool)
	sections := []struct {
		specs []QuerySpec
		tier  int
	}{{cfg.Tier1, 1}, {cfg.Tier2, 2}, {cfg.Negative, 0}}
	for _, sec := range sections {
		for i := range sec.specs {
			s := &sec.specs[i]
			s.Tier = sec.tier
			if s.ID == "" {
				return nil, fmt.Errorf("query %q has no id", s.Query)
			}
			if seen[s.ID] {
				return nil, fmt.Errorf("duplicate query id %s", s.ID)
			}
			seen[s.ID] = true
			if s.Tier > 0 && len(s.Expected) == 0 {
				return nil, fmt.Errorf("query %s has no expected paths", s.ID)
			}
		}
	}
	return &cfg, nil
}

// Searcher answers evidence queries. *index.Manager satisfies it.
type Searcher interface {
	Query(ctx context.Context, text string, k int, scope []string) ([]*search.EvidenceChunk, error)
}

// TestResult is the outcome of one query.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration_ns"`
	TopResults []string      `json:"top_results"` // distinct paths in rank order
	MatchedAt  int           `json:"matched_at"`  // rank of the first match, -1 if none
	Error      string        `json:"error,omitempty"`
}

// Report is the outcome of a full run.
type Report struct {
	Timestamp  time.Time    `json:"timestamp"`
	Tier1      []TestResult `json:"tier1"`
	Tier2      []TestResult `json:"tier2"`
	Negative   []TestResult `json:"negative"`
	Tier1Pass  int          `json:"tier1_pass"`
	Tier1Total int          `json:"tier1_total"`
	Tier2Pass  int          `json:"tier2_pass"`
	Tier2Total int          `json:"tier2_total"`
	NegPass    int          `json:"negative_pass"`
	NegTotal   int          `json:"negative_total"`
}

// Passed reports whether every tier1 and negative query passed.
func (r *Report) Passed() bool {
	return r.Tier1Pass == r.Tier1Total && r.NegPass == r.NegTotal
}

// Validator runs queries against a Searcher.
type Validator struct {
	searcher Searcher
	limit    int
}

// New creates a validator inspecting limit results per query
// (DefaultLimit when limit <= 0).
func New(s Searcher, limit int) *Validator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Validator{searcher: s, limit: limit}
}

// RunQuery executes a single query.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	result := TestResult{Spec: spec, MatchedAt: -1}

	start := time.Now()
	hits, err := v.searcher.Query(ctx, spec.Query, v.limit, spec.Scope)
	result.Duration = time.Since(start)

	if err != nil {
		result.Error = err.Error()
		// Negative queries may be rejected, never fail otherwise.
		result.Passed = spec.Tier == 0 && everrors.GetCategory(err) == everrors.CategoryValidation
		return result
	}

	result.TopResults = distinctPaths(hits)
	matched, at := checkExpected(result.TopResults, spec.Expected)
	result.MatchedAt = at
	result.Passed = matched
	if spec.Tier == 0 {
		result.Passed = !matched
	}
	return result
}

// RunAll executes every query in cfg. It stops early only when ctx ends.
func (v *Validator) RunAll(ctx context.Context, cfg *QueryConfig) (*Report, error) {
	r := &Report{Timestamp: time.Now()}

	run := func(specs []QuerySpec, out *[]TestResult, pass, total *int) error {
		for _, spec := range specs {
			if err := ctx.Err(); err != nil {
				return err
			}
			tr := v.RunQuery(ctx, spec)
			if err := ctx.Err(); err != nil {
				return err
			}
			*out = append(*out, tr)
			*total++
			if tr.Passed {
				*pass++
			}
		}
		return nil
	}

	if err := run(cfg.Tier1, &r.Tier1, &r.Tier1Pass, &r.Tier1Total); err != nil {
		return nil, err
	}
	if err := run(cfg.Tier2, &r.Tier2, &r.Tier2Pass, &r.Tier2Total); err != nil {
		return nil, err
	}
	if err := run(cfg.Negative, &r.Negative, &r.NegPass, &r.NegTotal); err != nil {
		return nil, err
	}
	return r, nil
}

// distinctPaths lists each hit's path once, in rank order.
func distinctPaths(hits []*search.EvidenceChunk) []string {
	paths := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if h == nil || h.Chunk == nil || seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		paths = append(paths, h.Path)
	}
	return paths
}

// checkExpected returns the rank of the first path under any expected prefix.
// A prefix matches a whole path or a folder boundary, never part of a name.
func checkExpected(results, expected []string) (bool, int) {
	for i, p := range results {
		for _, exp := range expected {
			exp = strings.TrimSuffix(exp, "/")
			if p == exp || strings.HasPrefix(p, exp+"/") {
				return true, i
			}
		}
	}
	return false, -1
}
