package backup

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, maxArchiveSize int64) *Session {
	t.Helper()

	s := NewSession("pg-main")
	s.SpoolDir = t.TempDir()
	s.MaxArchiveSize = maxArchiveSize

	return s
}

func fileHeader(name string, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o600,
	}
}

func payload(size int64, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}

	return b
}

// readSegment extracts entry names and payload sizes from an uncompressed
// segment.
func readSegment(t *testing.T, seg *Segment) map[string]int64 {
	t.Helper()

	r, err := seg.Open()
	require.NoError(t, err)

	defer r.Close()

	entries := map[string]int64{}
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		n, err := io.Copy(io.Discard, tr)
		require.NoError(t, err)
		require.Equal(t, hdr.Size, n)

		entries[hdr.Name] = hdr.Size
	}

	return entries
}

func TestSegmenterRotation(t *testing.T) {
	const mib = int64(1) << 20

	// sized so two files plus tar framing (one header block each and the
	// archive trailer) exactly fill the bound.
	const fileSize = 5*mib - 1024

	s := testSession(t, 10*mib)

	var segments []*Segment

	seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
		segments = append(segments, sg)
		return nil
	})

	// five files, two per segment, against a 10 MiB bound: 2+2+1.
	for i := range 5 {
		data := payload(fileSize, byte('a'+i))
		require.NoError(t, seg.AddEntry(fileHeader(fmt.Sprintf("base/%d", i), fileSize), bytes.NewReader(data)))
	}

	require.NoError(t, seg.Close())
	require.Len(t, segments, 3)
	require.Equal(t, 3, seg.SegmentCount())

	require.Equal(t, map[string]int64{"base/0": fileSize, "base/1": fileSize}, readSegment(t, segments[0]))
	require.Equal(t, map[string]int64{"base/2": fileSize, "base/3": fileSize}, readSegment(t, segments[1]))
	require.Equal(t, map[string]int64{"base/4": fileSize}, readSegment(t, segments[2]))

	for i, sg := range segments {
		require.Equal(t, DataTablespace, sg.Tablespace)
		require.Equal(t, i, sg.Index)
		require.EqualValues(t, fmt.Sprintf("pg-main/base/%s/data_%04d.tar", s.BackupID, i), sg.Key)
		require.LessOrEqual(t, sg.Size, s.MaxArchiveSize)
	}

	// the first segment is an exact fill.
	require.Equal(t, 10*mib, segments[0].Size)
}

func TestSegmenterSizeBound(t *testing.T) {
	const mib = int64(1) << 20

	cases := []struct {
		name         string
		mode         CompressionMode
		fileSize     int64
		numFiles     int
		maxSize      int64
		wantSegments int
	}{
		// two full 5 MiB payloads fit the raw bound but not with tar
		// framing on top, so they must land in separate segments.
		{"framing-forces-rotation", CompressionNone, 5 * mib, 2, 10 * mib, 2},
		{"uncompressed-many", CompressionNone, 1 * mib, 12, 4 * mib, 4},
		{"gzip", CompressionGzip, 1 * mib, 12, 4 * mib, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSession(t, tc.maxSize)
			s.Compression = tc.mode

			var segments []*Segment

			seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
				segments = append(segments, sg)
				return nil
			})

			for i := range tc.numFiles {
				data := payload(tc.fileSize, byte('a'+i))
				require.NoError(t, seg.AddEntry(fileHeader(fmt.Sprintf("base/%d", i), tc.fileSize), bytes.NewReader(data)))
			}

			require.NoError(t, seg.Close())
			require.Len(t, segments, tc.wantSegments)

			// every file here is below the bound, so no segment may exceed
			// it on the wire.
			for _, sg := range segments {
				require.LessOrEqual(t, sg.Size, tc.maxSize, "segment %v", sg.Key)
			}
		})
	}
}

func TestSegmenterNeverSplitsSingleFile(t *testing.T) {
	s := testSession(t, 1024)

	var segments []*Segment

	seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
		segments = append(segments, sg)
		return nil
	})

	// a file over the bound occupies one whole segment, followed by a fresh
	// segment for subsequent entries. Files up to the engine allowance are
	// always passed whole regardless of the configured bound.
	big := payload(10*1024, 'x')
	require.LessOrEqual(t, int64(len(big)), PostgresFileSizeAllowance)
	require.NoError(t, seg.AddEntry(fileHeader("base/16384", int64(len(big))), bytes.NewReader(big)))
	require.NoError(t, seg.AddEntry(fileHeader("base/16385", 100), bytes.NewReader(payload(100, 'y'))))
	require.NoError(t, seg.Close())

	require.Len(t, segments, 2)
	require.Equal(t, map[string]int64{"base/16384": 10 * 1024}, readSegment(t, segments[0]))
	require.Equal(t, map[string]int64{"base/16385": 100}, readSegment(t, segments[1]))
}

func TestSegmenterEmptyTablespaceEmitsOneSegment(t *testing.T) {
	s := testSession(t, 0)

	var segments []*Segment

	seg := NewSegmenter(s, "16723", func(sg *Segment) error {
		segments = append(segments, sg)
		return nil
	})

	require.NoError(t, seg.Close())
	require.Len(t, segments, 1)
	require.Empty(t, readSegment(t, segments[0]))
	require.EqualValues(t, fmt.Sprintf("pg-main/base/%s/16723_0000.tar", s.BackupID), segments[0].Key)
}

func TestSegmenterShortReadDetected(t *testing.T) {
	s := testSession(t, 0)

	seg := NewSegmenter(s, DataTablespace, func(*Segment) error { return nil })

	err := seg.AddEntry(fileHeader("base/1", 100), bytes.NewReader(payload(40, 'z')))
	require.ErrorContains(t, err, "short read")
}

func TestSegmenterNonRegularEntries(t *testing.T) {
	s := testSession(t, 0)

	var segments []*Segment

	seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
		segments = append(segments, sg)
		return nil
	})

	require.NoError(t, seg.AddEntry(&tar.Header{Typeflag: tar.TypeDir, Name: "base/", Mode: 0o700}, nil))
	require.NoError(t, seg.AddEntry(&tar.Header{Typeflag: tar.TypeSymlink, Name: "pg_tblspc/16723", Linkname: "/mnt/ts1", Mode: 0o777}, nil))
	require.NoError(t, seg.Close())

	require.Len(t, segments, 1)
	require.Equal(t, map[string]int64{"base/": 0, "pg_tblspc/16723": 0}, readSegment(t, segments[0]))
}

func TestSegmenterCompressedSuffixAndRoundTrip(t *testing.T) {
	s := testSession(t, 0)
	s.Compression = CompressionGzip

	var segments []*Segment

	seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
		segments = append(segments, sg)
		return nil
	})

	data := payload(64*1024, 'q')
	require.NoError(t, seg.AddEntry(fileHeader("base/1/2600", int64(len(data))), bytes.NewReader(data)))
	require.NoError(t, seg.Close())

	require.Len(t, segments, 1)
	require.EqualValues(t, fmt.Sprintf("pg-main/base/%s/data_0000.tar.gz", s.BackupID), segments[0].Key)

	// repetitive payload must compress well below raw size.
	require.Less(t, segments[0].Size, int64(len(data)))

	r, err := segments[0].Open()
	require.NoError(t, err)

	defer r.Close()

	zr, err := newGzipReader(r)
	require.NoError(t, err)

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "base/1/2600", hdr.Name)

	got, err := io.ReadAll(tr)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
