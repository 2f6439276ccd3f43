package datanorm

import (
	"bufio"
	"encoding/csv"
	"io"
)

// readBufferSize sizes the buffered reader in front of the CSV parser.
const readBufferSize = 64 * 1024

// NewCSVReader returns a forgiving CSV reader over a single-pass stream:
// variable field counts, lazy quotes, leading-space trimming, and a UTF-8
// BOM stripped from the first header cell.
func NewCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(stripBOM(bufio.NewReaderSize(r, readBufferSize)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	return reader
}

func stripBOM(r *bufio.Reader) io.Reader {
	if b, err := r.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
	return r
}
