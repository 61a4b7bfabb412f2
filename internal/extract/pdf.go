package extract

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	// headingRatio is the font size, relative to the page median, at which a
	// short line counts as a heading.
	headingRatio    = 1.2
	maxHeadingRunes = 120
	maxAbstract     = 1000
)

// PDFExtractor handles paginated documents. Text runs are grouped into lines
// and paragraphs per page, each carrying its bounding rectangle in points.
type PDFExtractor struct{}

// NewPDFExtractor creates the paginated strategy.
func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

// Kind implements Extractor.
func (e *PDFExtractor) Kind() Kind { return KindPaginated }

type pdfLine struct {
	text     string
	size     float64
	baseline float64
	region   Region
}

// Extract implements Extractor.
func (e *PDFExtractor) Extract(ctx context.Context, _ string, data []byte) (*Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	doc := &Document{PageCount: r.NumPage()}
	if info := r.Trailer().Key("Info"); !info.IsNull() {
		doc.Title = strings.TrimSpace(info.Key("Title").Text())
	}

	var (
		section         string
		firstHeading    string
		leadLine        string
		abstractPending bool
	)
	for n := 1; n <= doc.PageCount; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}

		lines := groupLines(page.Content().Text, n)
		median := medianSize(lines)

		var para *Span
		var paraLast *pdfLine
		emit := func() {
			if para == nil {
				return
			}
			doc.Spans = append(doc.Spans, *para)
			if abstractPending {
				doc.Abstract = truncateRunes(para.Text, maxAbstract)
				abstractPending = false
			} else if doc.Abstract == "" {
				if rest, ok := cutAbstractPrefix(para.Text); ok && rest != "" {
					doc.Abstract = truncateRunes(rest, maxAbstract)
				}
			}
			para, paraLast = nil, nil
		}

		for i := range lines {
			line := &lines[i]
			if leadLine == "" {
				leadLine = line.text
			}
			if isPDFHeading(line, median) {
				emit()
				section = line.text
				if firstHeading == "" {
					firstHeading = line.text
				}
				if strings.EqualFold(strings.TrimRight(line.text, ":. "), "abstract") {
					abstractPending = true
				}
				region := line.region
				doc.Spans = append(doc.Spans, Span{Text: line.text, Page: n, Section: section, Region: &region})
				continue
			}

			if para != nil && paraLast != nil && paraLast.baseline-line.baseline <= 1.8*math.Max(line.size, 1) {
				para.Text += "\n" + line.text
				merged := para.Region.Union(line.region)
				para.Region = &merged
				paraLast = line
				continue
			}
			emit()
			region := line.region
			para = &Span{Text: line.text, Page: n, Section: section, Region: &region}
			paraLast = line
		}
		emit()
	}

	if doc.Title == "" {
		doc.Title = firstHeading
	}
	if doc.Title == "" {
		doc.Title = truncateRunes(leadLine, 200)
	}
	return doc, nil
}

// groupLines clusters text runs sharing a baseline, top of page first.
func groupLines(runs []pdf.Text, page int) []pdfLine {
	items := make([]pdf.Text, 0, len(runs))
	for _, t := range runs {
		if strings.TrimSpace(t.S) != "" || t.S == " " {
			items = append(items, t)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Y != items[j].Y {
			return items[i].Y > items[j].Y
		}
		return items[i].X < items[j].X
	})

	var (
		lines []pdfLine
		cur   []pdf.Text
	)
	flush := func() {
		if line, ok := buildLine(cur, page); ok {
			lines = append(lines, line)
		}
		cur = cur[:0]
	}
	for _, t := range items {
		if len(cur) > 0 {
			tol := math.Max(1, 0.3*math.Max(t.FontSize, cur[0].FontSize))
			if math.Abs(cur[0].Y-t.Y) > tol {
				flush()
			}
		}
		cur = append(cur, t)
	}
	flush()
	return lines
}

func buildLine(runs []pdf.Text, page int) (pdfLine, bool) {
	if len(runs) == 0 {
		return pdfLine{}, false
	}
	sorted := append([]pdf.Text(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var (
		sb     strings.Builder
		size   float64
		region = Region{Page: page, X0: math.Inf(1), Y0: math.Inf(1), X1: math.Inf(-1), Y1: math.Inf(-1)}
		prev   *pdf.Text
	)
	for i := range sorted {
		t := &sorted[i]
		if prev != nil {
			gap := t.X - (prev.X + prev.W)
			if gap > 0.15*math.Max(t.FontSize, 1) && !strings.HasSuffix(sb.String(), " ") && !strings.HasPrefix(t.S, " ") {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t.S)
		size = math.Max(size, t.FontSize)
		region.X0 = math.Min(region.X0, t.X)
		region.X1 = math.Max(region.X1, t.X+t.W)
		region.Y0 = math.Min(region.Y0, t.Y)
		region.Y1 = math.Max(region.Y1, t.Y+t.FontSize)
		prev = t
	}

	text := collapseSpace(sb.String())
	if text == "" {
		return pdfLine{}, false
	}
	return pdfLine{text: text, size: size, baseline: sorted[0].Y, region: region}, true
}

// medianSize returns the lower median so a page of one heading and one body
// line still has a body-sized median.
func medianSize(lines []pdfLine) float64 {
	if len(lines) == 0 {
		return 0
	}
	sizes := make([]float64, len(lines))
	for i, l := range lines {
		sizes[i] = l.size
	}
	sort.Float64s(sizes)
	return sizes[(len(sizes)-1)/2]
}

func isPDFHeading(l *pdfLine, median float64) bool {
	return median > 0 && l.size >= median*headingRatio && utf8.RuneCountInString(l.text) <= maxHeadingRunes
}

func cutAbstractPrefix(text string) (string, bool) {
	const word = "abstract"
	if len(text) < len(word) || !strings.EqualFold(text[:len(word)], word) {
		return "", false
	}
	rest := text[len(word):]
	if r, _ := utf8.DecodeRuneInString(rest); rest != "" && unicode.IsLetter(r) {
		return "", false
	}
	return strings.TrimLeft(rest, " :.-—\n"), true
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
