package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout on the document and returns stdout.
// The tool wants a file on disk, so the bytes go through a temp file.
func (p *PdfToText) ExtractText(ctx context.Context, raw []byte) (string, error) {
	dir, err := os.MkdirTemp("", "ocr-pdf-")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	pdfPath := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(pdfPath, raw, 0o600); err != nil {
		return "", eris.Wrap(err, "ocr: write temp pdf")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A failing exit status means the PDF itself is bad; keep stderr for
		// the job log.
		if _, ok := err.(*exec.ExitError); ok {
			return "", resilience.NewDataError(
				eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String()),
				stderr.String(),
			)
		}
		return "", eris.Wrap(err, "ocr: run pdftotext")
	}

	return stdout.String(), nil
}
