package backup

import (
	"archive/tar"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/logging"
)

var log = logging.Module("backup")

// PostgresFileSizeAllowance is the engine's relation segment size limit.
// Files up to this size are always passed through whole, even when
// max-archive-size is configured smaller.
const PostgresFileSizeAllowance = int64(1) << 30

const (
	tarBlockSize = 512

	// two zero blocks written by the tar writer on close.
	tarTrailerSize = 2 * tarBlockSize
)

// framedSize returns the on-stream size of one tar entry: a header block
// plus the payload padded to whole blocks.
func framedSize(hdr *tar.Header) int64 {
	return tarBlockSize + (hdr.Size+tarBlockSize-1)/tarBlockSize*tarBlockSize
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err //nolint:wrapcheck
}

// EmitFunc receives each segment as it is closed. Blocking here applies
// backpressure to the capture stream.
type EmitFunc func(*Segment) error

// Segmenter splits one tablespace's tar stream into size-bounded segments.
// Entries are appended in stream order; a single entry is never split across
// segments. The sequence of segments is forward-only and non-restartable.
type Segmenter struct {
	session    *Session
	tablespace string
	emit       EmitFunc

	index   int
	entries int

	// tar-stream bytes accounted to the current segment: entry headers plus
	// block-padded payloads. The rotation decision adds the trailer on top,
	// so an uncompressed segment never exceeds the bound on the wire; the
	// reported segment size is the exact byte count from the spool.
	framedBytes int64

	spool *os.File
	count *countingWriter
	comp  io.WriteCloser
	tw    *tar.Writer
}

// NewSegmenter creates a segmenter for one tablespace of the session.
func NewSegmenter(session *Session, tablespace string, emit EmitFunc) *Segmenter {
	return &Segmenter{
		session:    session,
		tablespace: tablespace,
		emit:       emit,
	}
}

func (s *Segmenter) openSegment() error {
	f, err := os.CreateTemp(s.session.SpoolDir, "cloudpg-segment-*")
	if err != nil {
		return errors.Wrap(err, "creating segment spool")
	}

	s.spool = f
	s.count = &countingWriter{w: f}

	comp, err := s.session.Compression.NewWriter(s.count)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return err
	}

	s.comp = comp
	s.tw = tar.NewWriter(comp)
	s.entries = 0
	s.framedBytes = 0

	return nil
}

func (s *Segmenter) closeSegment() error {
	if err := s.tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar stream")
	}

	if err := s.comp.Close(); err != nil {
		return errors.Wrap(err, "closing compressor")
	}

	spoolPath := s.spool.Name()
	if err := s.spool.Close(); err != nil {
		return errors.Wrap(err, "closing segment spool")
	}

	seg := &Segment{
		Key:        segmentKey(s.session.ServerName, s.session.BackupID, s.tablespace, s.index, s.session.Compression),
		Tablespace: s.tablespace,
		Index:      s.index,
		Size:       s.count.n,
		spoolPath:  spoolPath,
	}

	s.spool = nil
	s.tw = nil
	s.comp = nil
	s.index++

	return s.emit(seg)
}

// maxSegmentBytes returns the configured bound, never below the engine file
// size allowance floor applied to individual entries.
func (s *Segmenter) maxSegmentBytes() int64 {
	if s.session.MaxArchiveSize > 0 {
		return s.session.MaxArchiveSize
	}

	return DefaultMaxArchiveSize
}

// AddEntry appends one tar entry. For regular files, r supplies exactly
// hdr.Size bytes; for other entry types r may be nil.
func (s *Segmenter) AddEntry(hdr *tar.Header, r io.Reader) error {
	maxSize := s.maxSegmentBytes()
	need := framedSize(hdr)

	if s.spool == nil {
		if err := s.openSegment(); err != nil {
			return err
		}
	}

	// rotate when this entry plus the archive trailer would push the segment
	// past the bound, unless the segment is still empty: a single file larger
	// than the bound (always allowed up to the engine's 1 GiB file size, and
	// never split even beyond it) is emitted alone.
	if s.entries > 0 && s.framedBytes+need+tarTrailerSize > maxSize {
		if err := s.closeSegment(); err != nil {
			return err
		}

		if err := s.openSegment(); err != nil {
			return err
		}
	}

	if err := s.tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing tar header for %v", hdr.Name)
	}

	if r != nil && hdr.Size > 0 {
		n, err := io.Copy(s.tw, r)
		if err != nil {
			return errors.Wrapf(err, "archiving %v", hdr.Name)
		}

		if n != hdr.Size {
			return errors.Errorf("short read archiving %v: got %v bytes, expected %v", hdr.Name, n, hdr.Size)
		}
	}

	s.entries++
	s.framedBytes += need

	// an oversized entry occupies its whole segment.
	if need+tarTrailerSize > maxSize {
		return s.closeSegment()
	}

	return nil
}

// Close flushes the final segment. A tablespace that produced no entries
// still yields exactly one (near-empty) segment so restore tooling can detect
// that the tablespace existed.
func (s *Segmenter) Close() error {
	if s.spool == nil {
		if s.index > 0 {
			return nil
		}

		// empty tablespace
		if err := s.openSegment(); err != nil {
			return err
		}
	}

	return s.closeSegment()
}

// SegmentCount returns the number of segments emitted so far.
func (s *Segmenter) SegmentCount() int {
	return s.index
}
