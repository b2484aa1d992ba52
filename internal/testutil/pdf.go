// Package testutil builds tiny but structurally valid PDF fixtures for
// tests, with exact cross-reference offsets so they load under strict
// validation.
package testutil

import (
	"bytes"
	"fmt"
)

// MinimalPDF builds a PDF with one page per entry of pageWidths; each
// page's MediaBox width is the given value, which makes page provenance
// observable after a merge.
func MinimalPDF(pageWidths ...float64) []byte {
	var buf bytes.Buffer
	offsets := []int{0} // object 0 is the free-list head

	write := func(s string) { buf.WriteString(s) }
	beginObj := func() { offsets = append(offsets, buf.Len()) }

	n := len(pageWidths)
	write("%PDF-1.4\n")

	beginObj()
	write("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	beginObj()
	write("2 0 obj\n<< /Type /Pages /Kids [")
	for i := 0; i < n; i++ {
		if i > 0 {
			write(" ")
		}
		write(fmt.Sprintf("%d 0 R", 3+i))
	}
	write(fmt.Sprintf("] /Count %d >>\nendobj\n", n))

	for i, w := range pageWidths {
		beginObj()
		write(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /Resources << >> /MediaBox [0 0 %.2f 792] >>\nendobj\n", 3+i, w))
	}

	xrefOffset := buf.Len()
	write(fmt.Sprintf("xref\n0 %d\n", len(offsets)))
	write("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		write(fmt.Sprintf("%010d 00000 n \n", off))
	}
	write(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xrefOffset))

	return buf.Bytes()
}

// CorruptPDF looks like a PDF from the outside (signature and EOF marker
// present, plausible size) but has no loadable structure.
func CorruptPDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	buf.Write(bytes.Repeat([]byte("not a real pdf body "), 20))
	buf.WriteString("\n%%EOF\n")
	return buf.Bytes()
}
