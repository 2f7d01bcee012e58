package backup

import (
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// CompressionMode selects the stream transform applied to archive contents.
// The mode is fixed for the whole session.
type CompressionMode string

// Supported compression modes.
const (
	CompressionNone   CompressionMode = "none"
	CompressionGzip   CompressionMode = "gzip"
	CompressionBzip2  CompressionMode = "bzip2"
	CompressionSnappy CompressionMode = "snappy"
)

// Suffix returns the archive name suffix for the mode, appended to ".tar".
func (m CompressionMode) Suffix() string {
	switch m {
	case CompressionGzip:
		return ".gz"
	case CompressionBzip2:
		return ".bz2"
	case CompressionSnappy:
		return ".snappy"
	default:
		return ""
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the compression transform for the mode. The returned
// writer must be closed to flush trailing compressed bytes into w; closing it
// does not close w.
func (m CompressionMode) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch m {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil

	case CompressionGzip:
		return pgzip.NewWriter(w), nil

	case CompressionBzip2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})

		return bw, errors.Wrap(err, "bzip2 writer")

	case CompressionSnappy:
		return s2.NewWriter(w, s2.WriterSnappyCompat()), nil

	default:
		return nil, errors.Errorf("unsupported compression mode: %q", m)
	}
}
