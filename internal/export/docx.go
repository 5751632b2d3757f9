package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// Run sizes are in half-points.
const (
	docxFont        = "Arial"
	sizeBody        = 22
	sizeSignature   = 24
	spacingAfterTwp = 120
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// DocxName derives the download name from the conjunto name.
func DocxName(nombreConjunto string) string {
	return "Propuesta_" + whitespaceRun.ReplaceAllString(nombreConjunto, "_") + ".docx"
}

// Paragraph is one line of the letter and its styling.
type Paragraph struct {
	Text string
	Bold bool
	Size int
}

// Layout splits text into styled paragraphs. Lines naming a signer are bold
// and larger; subject and greeting lines are bold.
func Layout(text string, signers []string) []Paragraph {
	lines := strings.Split(text, "\n")
	out := make([]Paragraph, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		signature := false
		for _, s := range signers {
			if s != "" && strings.Contains(line, s) {
				signature = true
				break
			}
		}
		p := Paragraph{Text: line, Size: sizeBody}
		switch {
		case signature:
			p.Bold, p.Size = true, sizeSignature
		case strings.HasPrefix(line, "Asunto:"), strings.HasPrefix(line, "Señores:"):
			p.Bold = true
		}
		out = append(out, p)
	}
	return out
}

// Docx packages the rendered letter as a Word document.
func Docx(text string, signers []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", documentXML(Layout(text, signers))},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			return nil, fmt.Errorf("docx %s: %w", p.name, err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("docx %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("docx: %w", err)
	}
	return buf.Bytes(), nil
}

func documentXML(paragraphs []Paragraph) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		fmt.Fprintf(&b, `<w:p><w:pPr><w:spacing w:after="%d"/></w:pPr><w:r><w:rPr>`, spacingAfterTwp)
		fmt.Fprintf(&b, `<w:rFonts w:ascii="%[1]s" w:hAnsi="%[1]s" w:cs="%[1]s"/>`, docxFont)
		if p.Bold {
			b.WriteString(`<w:b/>`)
		}
		fmt.Fprintf(&b, `<w:sz w:val="%[1]d"/><w:szCs w:val="%[1]d"/></w:rPr>`, p.Size)
		b.WriteString(`<w:t xml:space="preserve">`)
		_ = xml.EscapeText(&b, []byte(p.Text))
		b.WriteString(`</w:t></w:r></w:p>`)
	}
	b.WriteString(`<w:sectPr/></w:body></w:document>`)
	return b.String()
}

const contentTypesXML = xml.Header + `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
	`</Types>`

const relsXML = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
	`</Relationships>`
