package archive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// tarHeader builds one 512-byte header block by hand so the tests
// exercise the exact wire format, not another tar writer's output.
func tarHeader(t *testing.T, name string, mode int64, size int64, typeFlag byte, linkTarget string) []byte {
	t.Helper()
	block := make([]byte, 512)
	copy(block[0:100], name)
	copy(block[100:108], []byte(octal(mode, 7)))
	copy(block[124:136], []byte(octal(size, 11)))
	block[156] = typeFlag
	copy(block[157:257], linkTarget)
	return block
}

func octal(v int64, width int) string {
	s := ""
	for i := 0; i < width; i++ {
		s = string(rune('0'+(v&7))) + s
		v >>= 3
	}
	return s + "\x00"
}

func padTo512(b []byte) []byte {
	if rem := len(b) % 512; rem != 0 {
		b = append(b, make([]byte, 512-rem)...)
	}
	return b
}

// buildArchive assembles: one directory, one executable file, one plain
// file, one symlink, then the two-zero-block terminator.
func buildArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write(tarHeader(t, "bin", 0o755, 0, '5', ""))

	content := []byte("#!/bin/sh\necho ok\n")
	buf.Write(tarHeader(t, "bin/sh", 0o755, int64(len(content)), '0', ""))
	buf.Write(padTo512(content))

	note := []byte("hello world\n")
	buf.Write(tarHeader(t, "etc/motd", 0o644, int64(len(note)), 0, ""))
	buf.Write(padTo512(note))

	buf.Write(tarHeader(t, "bin/ash", 0, 0, '2', "sh"))

	buf.Write(make([]byte, 1024))
	return buf.Bytes()
}

func TestExtractRoundTrip(t *testing.T) {
	dest := t.TempDir()
	var entries []Entry
	ex := &Extractor{OnEntry: func(e Entry) { entries = append(entries, e) }}

	if err := ex.Extract(bytes.NewReader(buildArchive(t)), dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "bin"))
	if err != nil || !info.IsDir() {
		t.Fatalf("bin dir: info=%v err=%v", info, err)
	}

	sh := filepath.Join(dest, "bin", "sh")
	data, err := os.ReadFile(sh)
	if err != nil {
		t.Fatalf("reading bin/sh: %v", err)
	}
	if string(data) != "#!/bin/sh\necho ok\n" {
		t.Errorf("bin/sh content = %q", data)
	}
	if info, err = os.Stat(sh); err != nil {
		t.Fatal(err)
	} else if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("bin/sh missing execute bit, mode = %v", info.Mode())
	}

	motd := filepath.Join(dest, "etc", "motd")
	if info, err = os.Stat(motd); err != nil {
		t.Fatalf("etc/motd: %v", err)
	} else if info.Mode().Perm()&0o100 != 0 {
		t.Errorf("etc/motd should not be executable, mode = %v", info.Mode())
	}

	link, err := os.Readlink(filepath.Join(dest, "bin", "ash"))
	if err != nil {
		t.Fatalf("readlink bin/ash: %v", err)
	}
	if link != "sh" {
		t.Errorf("symlink target = %q, want %q", link, "sh")
	}

	if len(entries) != 4 {
		t.Errorf("OnEntry fired %d times, want 4", len(entries))
	}
}

func TestExtractGzip(t *testing.T) {
	dest := t.TempDir()

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(buildArchive(t)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	ex := &Extractor{}
	if err := ex.Extract(bytes.NewReader(gzBuf.Bytes()), dest); err != nil {
		t.Fatalf("Extract(gzip): %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "bin", "sh")); err != nil {
		t.Errorf("bin/sh not extracted from gzip archive: %v", err)
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.tar")
	if err := os.WriteFile(path, buildArchive(t), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "out")
	ex := &Extractor{}
	if err := ex.ExtractFile(path, dest); err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "etc", "motd")); err != nil {
		t.Errorf("etc/motd not extracted: %v", err)
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(tarHeader(t, "../evil", 0o644, 0, '0', ""))
	buf.Write(make([]byte, 1024))

	ex := &Extractor{}
	err := ex.Extract(bytes.NewReader(buf.Bytes()), t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("escaping entry: err = %v, want ErrCorrupt", err)
	}
}

func TestExtractRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(tarHeader(t, "dev/null", 0o644, 0, '3', "")) // character device
	buf.Write(make([]byte, 1024))

	ex := &Extractor{}
	err := ex.Extract(bytes.NewReader(buf.Bytes()), t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("unsupported type: err = %v, want ErrCorrupt", err)
	}
}

func TestExtractTruncatedContent(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(tarHeader(t, "file", 0o644, 100, '0', ""))
	buf.Write([]byte("short")) // declares 100 bytes, provides 5

	ex := &Extractor{}
	err := ex.Extract(bytes.NewReader(buf.Bytes()), t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("truncated content: err = %v, want ErrCorrupt", err)
	}
}

func TestExtractEmptyStream(t *testing.T) {
	ex := &Extractor{}
	err := ex.Extract(bytes.NewReader(nil), t.TempDir())
	if err == nil {
		t.Error("empty stream should fail")
	}
}

func TestSecurePath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"usr/bin/env", false},
		{"/absolute/ok", false}, // leading slash stripped, confined to dest
		{"..", true},
		{"../outside", true},
		{"a/../../outside", true},
		{"", true},
	}
	for _, tc := range tests {
		_, err := securePath("/dest", tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("securePath(%q) err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestParseOctal(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0000755\x00", 0o755},
		{"00000000012\x00", 10},
		{"\x00\x00\x00\x00", 0},
		{"   \x00", 0},
	}
	for _, tc := range tests {
		got, err := parseOctal([]byte(tc.in))
		if err != nil {
			t.Errorf("parseOctal(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseOctal(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
