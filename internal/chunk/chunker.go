package chunk

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/Aman-CERP/evidx/internal/extract"
)

// Options configures the sliding window, in runes.
type Options struct {
	Size    int
	Overlap int
}

// Chunker slices extracted documents into overlapping windows whose edges
// fall on span boundaries.
type Chunker struct {
	options Options
}

// New creates a chunker, filling zero options with defaults.
func New(opts Options) *Chunker {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = min(DefaultOverlap, opts.Size/2)
	}
	return &Chunker{options: opts}
}

// unit is a span, or a piece of a span longer than the window.
type unit struct {
	start, end int
	page       int
	section    string
	region     *extract.Region
}

// Chunk splits doc into chunks for path. Ids depend only on (path, seq), so
// re-chunking an unchanged document reproduces them.
func (c *Chunker) Chunk(path string, doc *extract.Document) ([]*Chunk, error) {
	if doc == nil || len(doc.Spans) == 0 {
		return nil, nil
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	text := []rune(doc.Text())
	units := c.splitUnits(doc.Spans, text)

	var chunks []*Chunk
	for s := 0; s < len(units); {
		e := s
		for e+1 < len(units) && units[e+1].end-units[s].start <= c.options.Size {
			e++
		}
		chunks = append(chunks, c.build(path, len(chunks), text, units[s:e+1]))
		if e == len(units)-1 {
			break
		}
		s = c.nextStart(units, s, e)
	}
	return chunks, nil
}

// nextStart picks the unit start nearest to end-overlap that still advances.
// Ties go to the later unit.
func (c *Chunker) nextStart(units []unit, s, e int) int {
	target := units[e].end - c.options.Overlap
	best := e + 1
	bestDist := abs(units[best].start - target)
	for j := e; j > s; j-- {
		if d := abs(units[j].start - target); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

func (c *Chunker) build(path string, seq int, text []rune, units []unit) *Chunk {
	first, last := units[0], units[len(units)-1]
	ch := &Chunk{
		ID:        GenerateID(path, seq),
		Path:      path,
		Seq:       seq,
		Text:      string(text[first.start:last.end]),
		Page:      first.page,
		PageEnd:   first.page,
		Section:   first.section,
		CharStart: first.start,
		CharEnd:   last.end,
	}

	seen := make(map[string]bool)
	regionIdx := make(map[int]int)
	for _, u := range units {
		if u.page != 0 && u.page != first.page {
			ch.Ambiguous = true
		}
		ch.PageEnd = max(ch.PageEnd, u.page)
		if u.section != "" && !seen[u.section] {
			seen[u.section] = true
			ch.Sections = append(ch.Sections, u.section)
		}
		if u.region == nil {
			continue
		}
		if i, ok := regionIdx[u.region.Page]; ok {
			ch.Regions[i] = ch.Regions[i].Union(*u.region)
			continue
		}
		regionIdx[u.region.Page] = len(ch.Regions)
		ch.Regions = append(ch.Regions, *u.region)
	}
	return ch
}

// splitUnits breaks spans longer than the window at sentence or whitespace
// boundaries. Pieces inherit the span's provenance.
func (c *Chunker) splitUnits(spans []extract.Span, text []rune) []unit {
	var units []unit
	for _, sp := range spans {
		base := unit{start: sp.CharStart, end: sp.CharEnd, page: sp.Page, section: sp.Section, region: sp.Region}
		for base.end-base.start > c.options.Size {
			cut := findCut(text, base.start, base.start+c.options.Size)
			piece := base
			piece.end = trimRightSpace(text, base.start, cut)
			units = append(units, piece)

			base.start = skipSpace(text, cut, base.end)
		}
		if base.end > base.start {
			units = append(units, base)
		}
	}
	return units
}

// findCut returns a cut position in (start, limit], preferring the end of the
// last sentence in the second half of the window, then the last whitespace.
func findCut(text []rune, start, limit int) int {
	half := start + (limit-start)/2
	for i := limit - 1; i > half; i-- {
		if isSentenceEnd(text[i]) && (i+1 >= len(text) || unicode.IsSpace(text[i+1]) || isCJKPunct(text[i])) {
			return i + 1
		}
	}
	for i := limit; i > half; i-- {
		if unicode.IsSpace(text[i-1]) {
			return i
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '；':
		return true
	}
	return false
}

func isCJKPunct(r rune) bool {
	return r >= 0x3000 && r <= 0x303F || r >= 0xFF00 && r <= 0xFFEF
}

func trimRightSpace(text []rune, start, end int) int {
	for end > start+1 && unicode.IsSpace(text[end-1]) {
		end--
	}
	return end
}

func skipSpace(text []rune, pos, end int) int {
	for pos < end && unicode.IsSpace(text[pos]) {
		pos++
	}
	return pos
}

// validate requires spans in order and non-overlapping, with offsets matching
// their text and their position in Document.Text.
func validate(doc *extract.Document) error {
	sep := utf8.RuneCountInString(extract.SpanSeparator)
	expected := 0
	for i, sp := range doc.Spans {
		switch {
		case sp.CharStart < 0 || sp.CharEnd < sp.CharStart || sp.Page < 0:
			return fmt.Errorf("%w: span %d has range [%d,%d) page %d", ErrMalformedProvenance, i, sp.CharStart, sp.CharEnd, sp.Page)
		case sp.CharStart < expected:
			return fmt.Errorf("%w: span %d starts at %d, overlapping the previous span", ErrMalformedProvenance, i, sp.CharStart)
		case sp.CharStart > expected:
			return fmt.Errorf("%w: span %d starts at %d, expected %d", ErrMalformedProvenance, i, sp.CharStart, expected)
		case utf8.RuneCountInString(sp.Text) != sp.CharEnd-sp.CharStart:
			return fmt.Errorf("%w: span %d length does not match its range", ErrMalformedProvenance, i)
		case sp.Region != nil && sp.Region.Page != sp.Page:
			return fmt.Errorf("%w: span %d region is on page %d, span on page %d", ErrMalformedProvenance, i, sp.Region.Page, sp.Page)
		}
		expected = sp.CharEnd + sep
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
