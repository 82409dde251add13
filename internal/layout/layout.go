// Package layout wraps the external layout-analysis service.
package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
)

// Analyzer produces a layout record for a PDF.
type Analyzer interface {
	Analyze(ctx context.Context, pdfBytes []byte) (*model.LayoutRecord, error)
}

// ErrLayoutMissing indicates the analyzer produced no usable layout for the
// document. It is permanent for the FDD.
var ErrLayoutMissing = resilience.Permanent(eris.New("layout: no layout available"))

// Option configures the HTTP analyzer.
type Option func(*httpAnalyzer)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *httpAnalyzer) { a.http = hc }
}

type httpAnalyzer struct {
	baseURL string
	http    *http.Client
}

// NewHTTPAnalyzer creates an analyzer speaking the service's POST /analyze
// protocol: PDF bytes in, layout JSON out.
func NewHTTPAnalyzer(baseURL string, opts ...Option) Analyzer {
	a := &httpAnalyzer{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *httpAnalyzer) Analyze(ctx context.Context, pdfBytes []byte) (*model.LayoutRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(pdfBytes))
	if err != nil {
		return nil, eris.Wrap(err, "layout: build request")
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "layout: request"), 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrLayoutMissing
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, resilience.Transient(eris.Errorf("layout: status %d: %s", resp.StatusCode, string(b)), resp.StatusCode)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, resilience.Permanent(eris.Errorf("layout: status %d: %s", resp.StatusCode, string(b)))
	}

	var rec model.LayoutRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, eris.Wrap(err, "layout: decode response")
	}
	if len(rec.Pages) == 0 {
		return nil, ErrLayoutMissing
	}
	return &rec, nil
}
