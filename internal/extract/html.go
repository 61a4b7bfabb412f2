package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Td: true, atom.Th: true,
	atom.Tr: true, atom.Pre: true, atom.Blockquote: true, atom.Section: true,
	atom.Article: true, atom.Dd: true, atom.Dt: true, atom.Figcaption: true,
	atom.Caption: true, atom.Main: true, atom.Header: true, atom.Footer: true,
}

var headingElements = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

// extractHTML walks the parse tree: h1-h6 become sections, block elements
// end paragraphs and <title> is the document title.
func extractHTML(data []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	b := &sectionBuilder{}
	var (
		title string
		buf   strings.Builder
	)
	flush := func() {
		b.paragraph(collapseSpace(buf.String()))
		buf.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case skippedElements[n.DataAtom]:
				return
			case n.DataAtom == atom.Title:
				if title == "" {
					title = collapseSpace(nodeText(n))
				}
				return
			case headingElements[n.DataAtom]:
				flush()
				b.heading(collapseSpace(nodeText(n)))
				return
			case n.DataAtom == atom.Br:
				buf.WriteByte(' ')
			case blockElements[n.DataAtom]:
				flush()
				defer flush()
			}
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	flush()

	if title != "" {
		b.doc.Title = title
	}
	return &b.doc, nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
