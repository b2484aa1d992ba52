// Package docmodel wraps pdfcpu behind the small surface the merge
// pipeline needs: structural load, page-range extraction, ordered
// concatenation, and output optimization. Nothing outside this package
// imports pdfcpu directly.
package docmodel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Document is a parsed in-memory PDF. Exclusively owned by its loader's
// caller for the duration of processing.
type Document interface {
	PageCount() int
	Encrypted() bool
}

// Loader performs a full structural load of a PDF buffer. It is an
// interface so validation tests can substitute a load-counting stub.
type Loader interface {
	Load(data []byte, relaxed bool) (Document, error)
}

type pdfcpuDocument struct {
	ctx *model.Context
}

func (d *pdfcpuDocument) PageCount() int  { return d.ctx.PageCount }
func (d *pdfcpuDocument) Encrypted() bool { return d.ctx.Encrypt != nil }

// PDFCPULoader is the production Loader backed by pdfcpu.
type PDFCPULoader struct{}

// NewLoader returns the pdfcpu-backed Loader.
func NewLoader() *PDFCPULoader { return &PDFCPULoader{} }

// Load parses and validates the buffer. Relaxed validation tolerates the
// structural deviations common in real-world generators at the cost of a
// slower pass.
func (l *PDFCPULoader) Load(data []byte, relaxed bool) (Document, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), configuration(relaxed))
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate context: %w", err)
	}
	return &pdfcpuDocument{ctx: ctx}, nil
}

// ExtractPages writes pages [from, to] (1-based, inclusive) of data into a
// standalone PDF chunk. Always relaxed: by the time pages are extracted the
// source has already passed validation.
func ExtractPages(data []byte, from, to int) ([]byte, error) {
	if from < 1 || to < from {
		return nil, fmt.Errorf("invalid page range %d-%d", from, to)
	}
	var buf bytes.Buffer
	selection := []string{fmt.Sprintf("%d-%d", from, to)}
	if err := api.Trim(bytes.NewReader(data), &buf, selection, configuration(true)); err != nil {
		return nil, fmt.Errorf("extract pages %d-%d: %w", from, to, err)
	}
	return buf.Bytes(), nil
}

// Merge concatenates the chunks, in slice order, into a single document.
// Output page order is exactly chunk order; the caller is responsible for
// scheduling chunks in the order pages must appear.
func Merge(chunks [][]byte, objectStreams bool) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	readers := make([]io.ReadSeeker, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	conf := configuration(true)
	conf.WriteObjectStream = objectStreams
	conf.WriteXRefStream = objectStreams
	var buf bytes.Buffer
	if err := api.MergeRaw(readers, &buf, false, conf); err != nil {
		return nil, fmt.Errorf("merge %d chunks: %w", len(chunks), err)
	}
	return buf.Bytes(), nil
}

// Optimize strips resources unreferenced by any page and compacts the
// cross-reference data. Callers treat failures as non-fatal.
func Optimize(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &buf, configuration(true)); err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	return buf.Bytes(), nil
}

// PageWidths reports the MediaBox width of every page in order. Used for
// inspecting merge output; page dimensions survive the merge, so they make
// page provenance observable.
func PageWidths(data []byte) ([]float64, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), configuration(true))
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate context: %w", err)
	}
	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("page dims: %w", err)
	}
	widths := make([]float64, len(dims))
	for i, d := range dims {
		widths[i] = d.Width
	}
	return widths, nil
}

// PageCount counts pages without keeping the parsed document around.
func PageCount(data []byte) (int, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), configuration(true))
	if err != nil {
		return 0, fmt.Errorf("read context: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return 0, fmt.Errorf("validate context: %w", err)
	}
	return ctx.PageCount, nil
}

func configuration(relaxed bool) *model.Configuration {
	conf := model.NewDefaultConfiguration()
	if relaxed {
		conf.ValidationMode = model.ValidationRelaxed
	} else {
		conf.ValidationMode = model.ValidationStrict
	}
	return conf
}
