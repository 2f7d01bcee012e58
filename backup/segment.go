package backup

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/blob"
)

// Segment is one size-bounded chunk of a tablespace archive, the unit of
// upload. Segments are immutable once closed by the segmenter.
type Segment struct {
	// Key is the destination object key, relative to the storage prefix.
	Key blob.ID

	// Tablespace identifies the owning tablespace ("data" for the main data
	// directory) and Index is the 0-based sequence within it.
	Tablespace string
	Index      int

	// Size is the compressed (on-wire) byte size.
	Size int64

	spoolPath string
	inline    []byte
}

// sectionReader combines the interfaces the upload path needs for reading a
// segment or re-reading one of its parts.
type sectionReader interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

type inlineReader struct {
	*bytes.Reader
}

func (inlineReader) Close() error { return nil }

// Open returns a fresh reader over the segment contents.
func (s *Segment) Open() (sectionReader, error) {
	if s.spoolPath == "" {
		return inlineReader{bytes.NewReader(s.inline)}, nil
	}

	f, err := os.Open(s.spoolPath)

	return f, errors.Wrap(err, "opening segment spool")
}

// Cleanup removes the backing spool file, if any. Called once the segment
// reaches a terminal upload state.
func (s *Segment) Cleanup() error {
	if s.spoolPath == "" {
		return nil
	}

	err := os.Remove(s.spoolPath)
	if os.IsNotExist(err) {
		return nil
	}

	return errors.Wrap(err, "removing segment spool")
}

// newInlineSegment builds a small in-memory segment, used for the
// backup-label and tablespace-map pseudo-segments.
func newInlineSegment(key blob.ID, tablespace string, data []byte) *Segment {
	return &Segment{
		Key:        key,
		Tablespace: tablespace,
		Size:       int64(len(data)),
		inline:     data,
	}
}
