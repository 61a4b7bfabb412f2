// Package output formats CLI messages and query results.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Aman-CERP/evidx/internal/extract"
	"github.com/Aman-CERP/evidx/internal/search"
)

// Writer provides formatted output for the CLI.
type Writer struct {
	out io.Writer
}

// New creates a Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints a message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// snippetRunes bounds the text shown per result.
const snippetRunes = 240

// Evidence prints ranked results with their provenance.
func (w *Writer) Evidence(query string, hits []*search.EvidenceChunk) {
	if len(hits) == 0 {
		_, _ = fmt.Fprintf(w.out, "No evidence found for %q.\n", query)
		return
	}
	for i, h := range hits {
		_, _ = fmt.Fprintf(w.out, "%d. %s%s  score %.4f (%s)\n",
			i+1, h.Path, location(h), h.Score, ranks(h))
		for _, line := range strings.Split(snippet(h.Text, snippetRunes), "\n") {
			_, _ = fmt.Fprintf(w.out, "   %s\n", line)
		}
		if i < len(hits)-1 {
			_, _ = fmt.Fprintln(w.out)
		}
	}
}

// location renders page and section provenance, or "".
func location(h *search.EvidenceChunk) string {
	var parts []string
	switch {
	case h.Page > 0 && h.PageEnd > h.Page:
		parts = append(parts, fmt.Sprintf("pp. %d-%d", h.Page, h.PageEnd))
	case h.Page > 0:
		parts = append(parts, fmt.Sprintf("p. %d", h.Page))
	}
	if h.Section != "" {
		section := "§ " + h.Section
		if h.Ambiguous {
			section += " (+)"
		}
		parts = append(parts, section)
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + strings.Join(parts, "  ")
}

func ranks(h *search.EvidenceChunk) string {
	rank := func(r int) string {
		if r == 0 {
			return "-"
		}
		return fmt.Sprint(r)
	}
	return "lexical " + rank(h.LexicalRank) + ", semantic " + rank(h.SemanticRank)
}

// snippet trims text to at most n runes on a word boundary.
func snippet(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	cut := n
	for i := n; i > n/2; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + " …"
}

// EvidenceJSON is the machine-readable form of one result.
type EvidenceJSON struct {
	Rank         int              `json:"rank"`
	ChunkID      string           `json:"chunk_id"`
	Path         string           `json:"path"`
	Seq          int              `json:"seq"`
	Score        float64          `json:"score"`
	LexicalRank  int              `json:"lexical_rank,omitempty"`
	SemanticRank int              `json:"semantic_rank,omitempty"`
	Page         int              `json:"page,omitempty"`
	PageEnd      int              `json:"page_end,omitempty"`
	Section      string           `json:"section,omitempty"`
	Sections     []string         `json:"sections,omitempty"`
	Ambiguous    bool             `json:"ambiguous,omitempty"`
	CharStart    int              `json:"char_start"`
	CharEnd      int              `json:"char_end"`
	Regions      []extract.Region `json:"regions,omitempty"`
	Text         string           `json:"text"`
}

// ToJSON converts results for JSON output. It never returns nil.
func ToJSON(hits []*search.EvidenceChunk) []EvidenceJSON {
	out := make([]EvidenceJSON, len(hits))
	for i, h := range hits {
		out[i] = EvidenceJSON{
			Rank:         i + 1,
			ChunkID:      h.ID,
			Path:         h.Path,
			Seq:          h.Seq,
			Score:        h.Score,
			LexicalRank:  h.LexicalRank,
			SemanticRank: h.SemanticRank,
			Page:         h.Page,
			PageEnd:      h.PageEnd,
			Section:      h.Section,
			Sections:     h.Sections,
			Ambiguous:    h.Ambiguous,
			CharStart:    h.CharStart,
			CharEnd:      h.CharEnd,
			Regions:      h.Regions,
			Text:         h.Text,
		}
	}
	return out
}
