package layout

import (
	"bytes"
	"errors"
	"github.com/stretchr/testify/require"
	"testing"
)

func commitment() []byte {
	data := make([]byte, ReportDataSize)
	for i := range data {
		data[i] = byte(0xa0 + i)
	}
	return data
}

func TestReportData(t *testing.T) {
	report := bytes.Repeat([]byte{0xff}, MinReportSize+16)
	copy(report[ReportDataOffset:], commitment())

	data, err := ReportData(report)
	require.NoError(t, err)
	require.Equal(t, commitment(), data)

	// the result must not alias the input
	data[0] = 0
	require.Equal(t, byte(0xa0), report[ReportDataOffset])
}

func TestQuoteDataMatchesReportData(t *testing.T) {
	report := make([]byte, MinReportSize)
	require.NoError(t, SetReportData(report, commitment()))

	quote := append(make([]byte, QuoteHeaderSize), report...)
	quote = append(quote, 0, 0, 0, 0)

	reportData, err := ReportData(report)
	require.NoError(t, err)

	quoteData, err := QuoteData(quote)
	require.NoError(t, err)

	require.Equal(t, reportData, quoteData)
}

func TestBufferTooShort(t *testing.T) {
	cases := []struct {
		name    string
		extract func([]byte) ([]byte, error)
		min     int
	}{
		{"report", ReportData, 384},
		{"quote", QuoteData, 432},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, size := range []int{0, 1, tc.min - 64, tc.min - 1} {
				_, err := tc.extract(make([]byte, size))

				var short *BufferTooShortError
				require.True(t, errors.As(err, &short))
				require.Equal(t, tc.name, short.Buffer)
				require.Equal(t, size, short.Len)
				require.Equal(t, tc.min, short.Min)
			}

			_, err := tc.extract(make([]byte, tc.min))
			require.NoError(t, err)
		})
	}
}

func TestSetReportDataPads(t *testing.T) {
	report := bytes.Repeat([]byte{0xff}, MinReportSize)
	require.NoError(t, SetReportData(report, []byte("hash")))

	data, err := ReportData(report)
	require.NoError(t, err)
	require.Equal(t, []byte("hash"), data[:4])
	require.Equal(t, make([]byte, ReportDataSize-4), data[4:])

	require.Error(t, SetReportData(report, make([]byte, ReportDataSize+1)))
	require.Error(t, SetReportData(make([]byte, 10), nil))
}
