// Package archive extracts the rootfs image archives consumed during
// provisioning. The input is a tar stream, optionally gzip-compressed
// (detected by magic bytes), containing only the entry kinds the rootfs
// images use: regular files, directories, and symbolic links.
//
// The tar framing is parsed directly: 512-byte headers with octal
// mode/size fields, content padded to a 512-byte boundary, and two
// consecutive zero blocks terminating the stream. Extended header
// entries (PAX, GNU long names) the base images never contain are
// rejected with an explicit error rather than silently skipped.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const blockSize = 512

// Header field offsets and lengths within a 512-byte tar block.
const (
	nameOffset = 0
	nameLen    = 100
	modeOffset = 100
	modeLen    = 8
	sizeOffset = 124
	sizeLen    = 12
	typeOffset = 156
	linkOffset = 157
	linkLen    = 100
)

// Tar type flag bytes.
const (
	typeRegular    = '0'
	typeRegularAlt = 0 // old tar writes NUL for regular files
	typeDirectory  = '5'
	typeSymlink    = '2'
)

// ErrCorrupt reports a malformed tar stream.
var ErrCorrupt = errors.New("corrupt archive")

// Entry describes one extracted archive member, reported to the
// progress callback.
type Entry struct {
	Name string
	Size int64
}

// Extractor materializes a tar / tar.gz byte stream onto disk.
type Extractor struct {
	// OnEntry, if set, is invoked after each successfully extracted
	// entry. Used for provisioning progress reporting.
	OnEntry func(Entry)
}

// Extract reads the archive from r and materializes it under dest.
// Gzip compression is detected from the first two bytes (0x1F 0x8B).
// Entry paths are confined to dest: absolute names and names escaping
// dest via ".." are rejected.
func (e *Extractor) Extract(r io.Reader, dest string) error {
	br := bufio.NewReader(r)

	magic, err := br.Peek(2)
	if err != nil {
		return fmt.Errorf("%w: reading stream header: %v", ErrCorrupt, err)
	}

	var src io.Reader = br
	if magic[0] == 0x1F && magic[1] == 0x8B {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	return e.extractTar(src, dest)
}

// ExtractFile opens path and extracts it under dest.
func (e *Extractor) ExtractFile(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	return e.Extract(f, dest)
}

func (e *Extractor) extractTar(r io.Reader, dest string) error {
	var block [blockSize]byte
	zeroBlocks := 0

	for {
		if _, err := io.ReadFull(r, block[:]); err != nil {
			if err == io.EOF && zeroBlocks > 0 {
				// Some writers emit a single trailing zero block.
				return nil
			}
			return fmt.Errorf("%w: reading header block: %v", ErrCorrupt, err)
		}

		if isZeroBlock(block[:]) {
			zeroBlocks++
			if zeroBlocks == 2 {
				return nil
			}
			continue
		}
		zeroBlocks = 0

		name := cstring(block[nameOffset : nameOffset+nameLen])
		mode, err := parseOctal(block[modeOffset : modeOffset+modeLen])
		if err != nil {
			return fmt.Errorf("%w: entry %q: bad mode field: %v", ErrCorrupt, name, err)
		}
		size, err := parseOctal(block[sizeOffset : sizeOffset+sizeLen])
		if err != nil {
			return fmt.Errorf("%w: entry %q: bad size field: %v", ErrCorrupt, name, err)
		}
		typeFlag := block[typeOffset]

		target, err := securePath(dest, name)
		if err != nil {
			return err
		}

		switch typeFlag {
		case typeDirectory:
			if err := os.MkdirAll(target, os.FileMode(mode)&0o777|0o700); err != nil {
				return fmt.Errorf("creating directory %s: %w", name, err)
			}

		case typeRegular, typeRegularAlt:
			if err := writeRegular(r, target, size, os.FileMode(mode)&0o777); err != nil {
				return fmt.Errorf("writing file %s: %w", name, err)
			}

		case typeSymlink:
			linkTarget := cstring(block[linkOffset : linkOffset+linkLen])
			if linkTarget == "" {
				return fmt.Errorf("%w: symlink %q has empty target", ErrCorrupt, name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("creating parent of %s: %w", name, err)
			}
			// Replace any previous entry; symlinks can't be overwritten in place.
			_ = os.Remove(target)
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", name, err)
			}

		default:
			return fmt.Errorf("%w: entry %q has unsupported type flag %q", ErrCorrupt, name, typeFlag)
		}

		// Regular file content is consumed by writeRegular; all other
		// entry kinds carry no content, but a corrupt stream may still
		// declare a size — skip it so framing stays aligned.
		if typeFlag != typeRegular && typeFlag != typeRegularAlt && size > 0 {
			if err := skipPadded(r, size); err != nil {
				return fmt.Errorf("%w: skipping content of %q: %v", ErrCorrupt, name, err)
			}
		}

		if e.OnEntry != nil {
			e.OnEntry(Entry{Name: name, Size: size})
		}
	}
}

// writeRegular streams size bytes into target and discards the padding
// up to the next 512-byte boundary.
func writeRegular(r io.Reader, target string, size int64, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return fmt.Errorf("%w: truncated content: %v", ErrCorrupt, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Extraction may run at a umask that masks the execute bit; enforce
	// the header mode explicitly.
	if err := os.Chmod(target, perm); err != nil {
		return err
	}

	return discardPadding(r, size)
}

func skipPadded(r io.Reader, size int64) error {
	if _, err := io.CopyN(io.Discard, r, size); err != nil {
		return err
	}
	return discardPadding(r, size)
}

// discardPadding consumes the zero fill between the end of an entry's
// content and the next 512-byte boundary.
func discardPadding(r io.Reader, size int64) error {
	if pad := size % blockSize; pad != 0 {
		if _, err := io.CopyN(io.Discard, r, blockSize-pad); err != nil {
			return fmt.Errorf("%w: truncated padding: %v", ErrCorrupt, err)
		}
	}
	return nil
}

// securePath joins name under dest, rejecting absolute names and names
// that escape dest.
func securePath(dest, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrCorrupt)
	}
	clean := filepath.Clean(strings.TrimPrefix(name, "/"))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes extraction root", ErrCorrupt, name)
	}
	return filepath.Join(dest, clean), nil
}

// cstring returns the field content up to the first NUL, trimmed of the
// trailing spaces some writers emit.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

// parseOctal parses a NUL/space-terminated octal field. An all-NUL
// field parses as zero (seen in directory size fields).
func parseOctal(b []byte) (int64, error) {
	s := strings.Trim(cstring(b), " ")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return v, nil
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
