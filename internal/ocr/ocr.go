// Package ocr converts fetched report documents to plain text. The document
// kind is sniffed from magic bytes, never from the URL: report URLs routinely
// lie about their content type.
package ocr

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// Kind is a detected document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindXLSX Kind = "xlsx"
	KindText Kind = "text"
)

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte("PK\x03\x04")
)

// Detect sniffs the document kind from its leading bytes. Markdown and plain
// text are the fallthrough; binary garbage is caught later when the text is
// validated.
func Detect(raw []byte) Kind {
	switch {
	case bytes.HasPrefix(raw, pdfMagic):
		return KindPDF
	case bytes.HasPrefix(raw, zipMagic):
		return KindXLSX
	default:
		return KindText
	}
}

// Converter turns raw document bytes into plain text.
type Converter struct {
	pdf *PdfToText
}

// NewConverter creates a Converter using the pdftotext binary at binPath.
func NewConverter(binPath string) *Converter {
	return &Converter{pdf: NewPdfToText(binPath)}
}

// Convert extracts plain text from the document. An empty or non-UTF-8
// result is a data error carrying a snippet of the offending input.
func (c *Converter) Convert(ctx context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", resilience.NewDataError(eris.New("ocr: empty document"), "")
	}

	var text string
	var err error
	switch Detect(raw) {
	case KindPDF:
		text, err = c.pdf.ExtractText(ctx, raw)
	case KindXLSX:
		text, err = SheetsToText(raw)
	default:
		text = string(raw)
		if !utf8.ValidString(text) {
			return "", resilience.NewDataError(eris.New("ocr: document is not valid utf-8 text"), snippet(raw))
		}
	}
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", resilience.NewDataError(eris.New("ocr: document produced no text"), snippet(raw))
	}
	return text, nil
}

// snippet returns a short printable prefix of the raw document for job logs.
func snippet(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return strings.ToValidUTF8(string(raw), ".")
}
