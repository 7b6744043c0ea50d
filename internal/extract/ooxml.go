package extract

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

const maxPartBytes = 32 << 20

// Docx extracts paragraph text from word/document.xml.
type Docx struct{}

func (Docx) Name() string { return "docx" }

func (Docx) Extract(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	part, err := readPart(zr, "word/document.xml")
	if err != nil {
		return "", err
	}
	return xmlText(part, "t", "p")
}

// Xlsx extracts shared strings and inline cell strings.
type Xlsx struct{}

func (Xlsx) Name() string { return "xlsx" }

func (Xlsx) Extract(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	var parts []string
	if shared, err := readPart(zr, "xl/sharedStrings.xml"); err == nil {
		text, err := xmlText(shared, "t", "si")
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}

	var sheets []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/") && path.Ext(f.Name) == ".xml" {
			sheets = append(sheets, f.Name)
		}
	}
	sort.Strings(sheets)
	for _, name := range sheets {
		data, err := readPart(zr, name)
		if err != nil {
			return "", err
		}
		text, err := xmlText(data, "t", "c")
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no string parts in workbook", ErrUnsupported)
	}
	return strings.Join(parts, "\n"), nil
}

func readPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxPartBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrUnsupported, name)
}

// xmlText concatenates character data found inside textElem elements and
// inserts a newline whenever a breakElem closes.
func xmlText(data []byte, textElem, breakElem string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var sb strings.Builder
	depth := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textElem {
				depth++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textElem:
				if depth > 0 {
					depth--
				}
			case breakElem:
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if depth > 0 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
