package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor reads word/document.xml. Paragraphs become lines, heading
// styles are kept as their own lines, and explicit or rendered page breaks
// split pages.
type DOCXExtractor struct{}

// Extract implements Extractor.
func (x *DOCXExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var doc *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	pages, err := docxPages(rc)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	return assemble(FormatDOCX, "docx_xml", pages), nil
}

func docxPages(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)

	var (
		pages     []string
		page      strings.Builder
		para      strings.Builder
		inText    bool
		isHeading bool
	)
	flushPara := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		if isHeading {
			page.WriteString("\n")
		}
		page.WriteString(text)
		page.WriteString("\n")
		if isHeading {
			page.WriteString("\n")
		}
	}
	breakPage := func() {
		pages = append(pages, page.String())
		page.Reset()
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				isHeading = false
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						v := strings.ToLower(a.Value)
						isHeading = strings.HasPrefix(v, "heading") || strings.HasPrefix(v, "title")
					}
				}
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				pageBreak := false
				for _, a := range t.Attr {
					if a.Name.Local == "type" && a.Value == "page" {
						pageBreak = true
					}
				}
				if pageBreak {
					flushPara()
					breakPage()
				} else {
					para.WriteByte('\n')
				}
			case "lastRenderedPageBreak":
				if strings.TrimSpace(para.String()) == "" {
					breakPage()
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flushPara()
			case "tc":
				para.WriteByte('\t')
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flushPara()
	pages = append(pages, page.String())
	return pages, nil
}
