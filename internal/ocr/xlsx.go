package ocr

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// SheetsToText renders every sheet of a spreadsheet as plain text. Rows become
// tab-joined lines; sheets are separated by blank lines so the segmenter
// treats each sheet as its own region.
func SheetsToText(raw []byte) (string, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return "", resilience.NewDataError(eris.Wrap(err, "ocr: open spreadsheet"), "")
	}
	if len(f.Sheets) == 0 {
		return "", resilience.NewDataError(eris.New("ocr: spreadsheet has no sheets"), "")
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sheet.Name)
		b.WriteString("\n")
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = cell.String()
			}
			line := strings.TrimRight(strings.Join(cells, "\t"), "\t ")
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
