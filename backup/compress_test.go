package backup

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"testing"

	"github.com/klauspost/compress/s2"
	"github.com/stretchr/testify/require"
)

// newGzipReader is a shared helper for tests that inspect gzip-compressed
// segments.
func newGzipReader(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func TestCompressionSuffix(t *testing.T) {
	require.Equal(t, "", CompressionNone.Suffix())
	require.Equal(t, ".gz", CompressionGzip.Suffix())
	require.Equal(t, ".bz2", CompressionBzip2.Suffix())
	require.Equal(t, ".snappy", CompressionSnappy.Suffix())
}

func TestCompressionRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("base backup stream "), 4096)

	cases := []struct {
		mode      CompressionMode
		newReader func(io.Reader) (io.Reader, error)
	}{
		{CompressionNone, func(r io.Reader) (io.Reader, error) { return r, nil }},
		{CompressionGzip, newGzipReader},
		{CompressionBzip2, func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
		{CompressionSnappy, func(r io.Reader) (io.Reader, error) { return s2.NewReader(r), nil }},
	}

	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			var buf bytes.Buffer

			w, err := tc.mode.NewWriter(&buf)
			require.NoError(t, err)

			n, err := w.Write(original)
			require.NoError(t, err)
			require.Equal(t, len(original), n)
			require.NoError(t, w.Close())

			if tc.mode != CompressionNone {
				require.Less(t, buf.Len(), len(original))
			}

			r, err := tc.newReader(&buf)
			require.NoError(t, err)

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, original, got)
		})
	}
}

func TestCompressionUnsupportedMode(t *testing.T) {
	_, err := CompressionMode("lzma").NewWriter(io.Discard)
	require.ErrorContains(t, err, "unsupported compression mode")
}
