// Package layout extracts fixed-offset fields from SGX report and quote buffers.
//
// The offsets are fixed by the hardware structure layout (sgx_report_body_t and
// sgx_quote_t) and are never derived at runtime.
package layout

import "fmt"

const (
	// ReportDataOffset is where the 64 bytes of application data start in a report.
	ReportDataOffset = 320
	ReportDataSize   = 64

	// QuoteHeaderSize is the length of the quote header preceding the report body.
	QuoteHeaderSize = 48
	QuoteDataOffset = QuoteHeaderSize + ReportDataOffset
	MinReportSize   = ReportDataOffset + ReportDataSize
	MinQuoteSize    = QuoteDataOffset + ReportDataSize
)

type BufferTooShortError struct {
	Buffer string
	Len    int
	Min    int
}

func (e *BufferTooShortError) Error() string {
	return fmt.Sprintf("%s too short: got %d bytes, need at least %d", e.Buffer, e.Len, e.Min)
}

// ReportData returns a copy of bytes [320, 384) of report.
func ReportData(report []byte) ([]byte, error) {
	return field("report", report, ReportDataOffset, MinReportSize)
}

// QuoteData returns a copy of bytes [368, 432) of quote. For a quote produced
// from a report, QuoteData(quote) equals ReportData(report).
func QuoteData(quote []byte) ([]byte, error) {
	return field("quote", quote, QuoteDataOffset, MinQuoteSize)
}

// SetReportData writes data into the report data field of report, zero padding
// it to 64 bytes.
func SetReportData(report []byte, data []byte) error {
	if len(report) < MinReportSize {
		return &BufferTooShortError{Buffer: "report", Len: len(report), Min: MinReportSize}
	}

	if len(data) > ReportDataSize {
		return fmt.Errorf("report data is %d bytes, at most %d allowed", len(data), ReportDataSize)
	}

	dst := report[ReportDataOffset:MinReportSize]
	n := copy(dst, data)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	return nil
}

func field(name string, buf []byte, offset, min int) ([]byte, error) {
	if len(buf) < min {
		return nil, &BufferTooShortError{Buffer: name, Len: len(buf), Min: min}
	}

	out := make([]byte, ReportDataSize)
	copy(out, buf[offset:offset+ReportDataSize])

	return out, nil
}
