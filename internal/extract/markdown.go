package extract

import (
	"regexp"
	"strings"
)

var (
	// ATX headings: # Title through ###### Title.
	headerPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

	// Leading YAML frontmatter.
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

	frontmatterTitle = regexp.MustCompile(`(?m)^title:\s*["']?(.+?)["']?\s*$`)
)

// extractMarkdown keeps fenced code blocks intact and maps ATX headings to
// sections. A frontmatter title wins over the first heading.
func extractMarkdown(data []byte) (*Document, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	var fmTitle string
	if m := frontmatterPattern.FindStringSubmatch(text); m != nil {
		if t := frontmatterTitle.FindStringSubmatch(m[1]); t != nil {
			fmTitle = t[1]
		}
		text = text[len(m[0]):]
	}

	b := &sectionBuilder{}
	var (
		para    []string
		inFence bool
	)
	flush := func() {
		b.paragraph(strings.TrimSpace(strings.Join(para, "\n")))
		para = para[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			para = append(para, line)
			if !inFence {
				flush()
			}
			continue
		}
		if inFence {
			para = append(para, line)
			continue
		}
		if m := headerPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			b.heading(m[2])
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	flush()

	if fmTitle != "" {
		b.doc.Title = fmTitle
	}
	return &b.doc, nil
}
