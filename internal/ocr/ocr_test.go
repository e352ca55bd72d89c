package ocr

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want Kind
	}{
		{"pdf", []byte("%PDF-1.7\n..."), KindPDF},
		{"xlsx", []byte("PK\x03\x04rest-of-zip"), KindXLSX},
		{"markdown", []byte("# Annual Report 2024\n\nScope 1: 1200 tCO2e"), KindText},
		{"plain", []byte("hello"), KindText},
		{"empty", nil, KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.raw))
		})
	}
}

func TestConverter_TextPassthrough(t *testing.T) {
	c := NewConverter("")
	text, err := c.Convert(context.Background(), []byte("Scope 1 emissions were 1200 tCO2e in 2024."))
	require.NoError(t, err)
	assert.Equal(t, "Scope 1 emissions were 1200 tCO2e in 2024.", text)
}

func TestConverter_EmptyDocument(t *testing.T) {
	c := NewConverter("")
	_, err := c.Convert(context.Background(), nil)
	require.Error(t, err)

	var de *resilience.DataError
	require.ErrorAs(t, err, &de)
}

func TestConverter_WhitespaceOnlyDocument(t *testing.T) {
	c := NewConverter("")
	_, err := c.Convert(context.Background(), []byte("   \n\n\t  "))
	require.Error(t, err)

	var de *resilience.DataError
	require.ErrorAs(t, err, &de)
}

func TestConverter_InvalidUTF8(t *testing.T) {
	c := NewConverter("")
	_, err := c.Convert(context.Background(), []byte{0x80, 0x81, 0xfe, 0xff})
	require.Error(t, err)

	var de *resilience.DataError
	require.ErrorAs(t, err, &de)
}

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Emissions")
	require.NoError(t, err)

	header := sheet.AddRow()
	header.AddCell().SetString("Year")
	header.AddCell().SetString("Scope 1 (tCO2e)")
	data := sheet.AddRow()
	data.AddCell().SetString("2024")
	data.AddCell().SetString("1200")

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestSheetsToText(t *testing.T) {
	raw := buildWorkbook(t)
	require.Equal(t, KindXLSX, Detect(raw))

	text, err := SheetsToText(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "Emissions")
	assert.Contains(t, text, "Year\tScope 1 (tCO2e)")
	assert.Contains(t, text, "2024\t1200")
}

func TestSheetsToText_NotASpreadsheet(t *testing.T) {
	_, err := SheetsToText([]byte("PK\x03\x04 but not really a zip"))
	require.Error(t, err)

	var de *resilience.DataError
	require.ErrorAs(t, err, &de)
}

func TestConverter_SpreadsheetDocument(t *testing.T) {
	raw := buildWorkbook(t)
	c := NewConverter("")
	text, err := c.Convert(context.Background(), raw)
	require.NoError(t, err)
	assert.Contains(t, text, "2024\t1200")
}

func TestSnippet_Truncates(t *testing.T) {
	long := bytes.Repeat([]byte("a"), 1024)
	s := snippet(long)
	assert.Len(t, s, 256)
}
