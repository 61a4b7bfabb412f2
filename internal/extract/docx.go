package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// extractDOCX walks word/document.xml tokens so paragraphs inside tables are
// kept, and maps Title/Heading paragraph styles to sections.
func extractDOCX(data []byte) (*Document, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a docx archive: %w", err)
	}

	body, err := readZipFile(reader, "word/document.xml")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("docx has no word/document.xml")
	}

	b := &sectionBuilder{}
	if err := walkDocumentXML(body, b); err != nil {
		return nil, err
	}

	if core, _ := readZipFile(reader, "docProps/core.xml"); core != nil {
		var props struct {
			Title string `xml:"title"`
		}
		if xml.Unmarshal(core, &props) == nil && strings.TrimSpace(props.Title) != "" {
			b.doc.Title = strings.TrimSpace(props.Title)
		}
	}
	return &b.doc, nil
}

func readZipFile(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return content, nil
	}
	return nil, nil
}

func walkDocumentXML(content []byte, b *sectionBuilder) error {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		text   strings.Builder
		style  string
		inPara bool
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				style = ""
				text.Reset()
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				inText = true
			case "tab":
				text.WriteByte('\t')
			case "br", "cr":
				text.WriteByte('\n')
			}
		case xml.CharData:
			if inPara && inText {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inPara = false
				para := strings.TrimSpace(text.String())
				if isHeadingStyle(style) {
					b.heading(para)
				} else {
					b.paragraph(para)
				}
			}
		}
	}
}

func isHeadingStyle(style string) bool {
	s := strings.ToLower(style)
	return s == "title" || strings.HasPrefix(s, "heading")
}
