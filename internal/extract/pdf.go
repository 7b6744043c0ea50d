package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Pdf extracts the text shown on each page, one page per line group.
// Pages whose content cannot be decoded are skipped; fonts with custom
// encodings produce unreadable text, which is acceptable for keyword and PII
// scanning.
type Pdf struct{}

func (Pdf) Name() string { return "pdf" }

func (Pdf) Extract(data []byte) (text string, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return "", fmt.Errorf("%w: missing PDF header", ErrUnsupported)
	}

	// The reader panics on some malformed object graphs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: malformed PDF: %v", ErrUnsupported, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage() && sb.Len() < maxPartBytes; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteByte('\n')
	}
	return strings.TrimSpace(sb.String()), nil
}
