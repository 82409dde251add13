// Package pdfutil reads PDF metadata and slices page ranges using the
// poppler and qpdf command-line tools.
package pdfutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/resilience"
)

// ErrCorrupt indicates the bytes are not a readable PDF. Permanent for the
// document.
var ErrCorrupt = resilience.Permanent(eris.New("pdfutil: corrupt or unreadable pdf"))

// Tools holds the external binary paths.
type Tools struct {
	PdfInfo   string
	PdfToText string
	Qpdf      string
}

// DefaultTools returns the tools resolved from PATH.
func DefaultTools() Tools {
	return Tools{PdfInfo: "pdfinfo", PdfToText: "pdftotext", Qpdf: "qpdf"}
}

// Reader exposes the PDF operations the pipeline needs.
type Reader interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
	PageText(ctx context.Context, pdf []byte, first, last int) (string, error)
	SlicePages(ctx context.Context, pdf []byte, first, last int) ([]byte, error)
}

type cliReader struct {
	tools   Tools
	tempDir string
}

// NewReader creates a Reader shelling out to the configured tools. tempDir
// may be empty to use the system default.
func NewReader(tools Tools, tempDir string) Reader {
	if tools.PdfInfo == "" {
		tools.PdfInfo = "pdfinfo"
	}
	if tools.PdfToText == "" {
		tools.PdfToText = "pdftotext"
	}
	if tools.Qpdf == "" {
		tools.Qpdf = "qpdf"
	}
	return &cliReader{tools: tools, tempDir: tempDir}
}

// PageCount runs pdfinfo and parses the Pages line.
func (r *cliReader) PageCount(ctx context.Context, pdf []byte) (int, error) {
	path, cleanup, err := r.writeTemp(pdf)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	out, err := runTool(ctx, r.tools.PdfInfo, path)
	if err != nil {
		return 0, eris.Wrap(ErrCorrupt, err.Error())
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if convErr != nil || n <= 0 {
			return 0, ErrCorrupt
		}
		return n, nil
	}
	return 0, ErrCorrupt
}

// PageText runs pdftotext -layout over the given 1-based inclusive range.
func (r *cliReader) PageText(ctx context.Context, pdf []byte, first, last int) (string, error) {
	if first < 1 || last < first {
		return "", eris.Errorf("pdfutil: invalid page range %d-%d", first, last)
	}
	path, cleanup, err := r.writeTemp(pdf)
	if err != nil {
		return "", err
	}
	defer cleanup()

	out, err := runTool(ctx, r.tools.PdfToText,
		"-layout", "-f", strconv.Itoa(first), "-l", strconv.Itoa(last), path, "-")
	if err != nil {
		return "", eris.Wrap(ErrCorrupt, err.Error())
	}
	return out, nil
}

// SlicePages extracts the 1-based inclusive page range into a standalone PDF
// via qpdf, preserving original page order without re-rendering.
func (r *cliReader) SlicePages(ctx context.Context, pdf []byte, first, last int) ([]byte, error) {
	if first < 1 || last < first {
		return nil, eris.Errorf("pdfutil: invalid page range %d-%d", first, last)
	}
	src, cleanupSrc, err := r.writeTemp(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanupSrc()

	dst := src + ".sliced.pdf"
	defer os.Remove(dst)

	pageRange := fmt.Sprintf("%d-%d", first, last)
	if _, err := runTool(ctx, r.tools.Qpdf, src, "--pages", ".", pageRange, "--", dst); err != nil {
		return nil, eris.Wrap(ErrCorrupt, err.Error())
	}

	out, err := os.ReadFile(dst)
	if err != nil {
		return nil, eris.Wrap(err, "pdfutil: read sliced pdf")
	}
	return out, nil
}

func (r *cliReader) writeTemp(pdf []byte) (string, func(), error) {
	f, err := os.CreateTemp(r.tempDir, "fddpipe-*.pdf")
	if err != nil {
		return "", nil, eris.Wrap(err, "pdfutil: create temp file")
	}
	path := f.Name()
	if _, err := f.Write(pdf); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, eris.Wrap(err, "pdfutil: write temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, eris.Wrap(err, "pdfutil: close temp file")
	}
	return path, func() { os.Remove(path) }, nil
}

func runTool(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "pdfutil: %s failed: %s", filepath.Base(bin), stderr.String())
	}
	return stdout.String(), nil
}
