package backup

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Directories whose contents are recreated by the server on recovery; the
// directory entry itself is archived, its contents are not.
//
//nolint:gochecknoglobals
var excludedDirContents = map[string]struct{}{
	"pg_wal":      {},
	"pg_xlog":     {},
	"pg_replslot": {},
	"pg_dynshmem": {},
	"pg_notify":   {},
	"pg_serial":   {},
	"pg_snapshots": {},
	"pg_stat_tmp": {},
	"pg_subtrans": {},
}

// Files never included in a base backup.
//
//nolint:gochecknoglobals
var excludedFiles = map[string]struct{}{
	"postmaster.pid":     {},
	"postmaster.opts":    {},
	"backup_label":       {},
	"backup_label.old":   {},
	"tablespace_map":     {},
	"tablespace_map.old": {},
}

const tmpDirPrefix = "pgsql_tmp"

// zeroReader yields an endless stream of zero bytes, used to pad files that
// shrink while being read from a live database.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}

// archiveDirectory streams the tree rooted at root into the segmenter. When
// isDataDir is set, the server's transient files and directories are skipped
// the way the base-backup protocol specifies.
func archiveDirectory(ctx context.Context, seg *Segmenter, root string, isDataDir bool) error {
	root = filepath.Clean(root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %v", path)
		}

		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "archiving canceled")
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrapf(err, "relativizing %v", path)
		}

		if rel == "." {
			return nil
		}

		name := d.Name()

		if strings.HasPrefix(name, tmpDirPrefix) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if isDataDir {
			if _, excluded := excludedFiles[name]; excluded && !d.IsDir() && filepath.Dir(rel) == "." {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %v", path)
		}

		// sockets, fifos and devices have no place in a backup.
		if !info.Mode().IsRegular() && !info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return errors.Wrapf(err, "readlink %v", path)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.Wrapf(err, "tar header for %v", path)
		}

		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if !info.Mode().IsRegular() {
			if err := seg.AddEntry(hdr, nil); err != nil {
				return err
			}

			if info.IsDir() && isDataDir {
				if _, excluded := excludedDirContents[name]; excluded && filepath.Dir(rel) == "." {
					return filepath.SkipDir
				}
			}

			return nil
		}

		return archiveFile(seg, hdr, path)
	})
}

// archiveFile streams one regular file. The file belongs to a live database,
// so it may shrink or grow concurrently; the archived entry is padded or
// truncated to the size recorded in its header.
func archiveFile(seg *Segmenter, hdr *tar.Header, path string) error {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "opening %v", path)
	}
	defer f.Close() //nolint:errcheck

	padded := io.LimitReader(io.MultiReader(f, zeroReader{}), hdr.Size)

	return seg.AddEntry(hdr, padded)
}
