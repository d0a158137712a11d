package events

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFiles(t *testing.T) {
	tmpDir := t.TempDir()

	//   tmpDir/
	//     b.txt
	//     a.txt
	//     sub/c.txt
	//     sub/d.log
	//     dir.txt/
	//     link.txt -> a.txt
	a := filepath.Join(tmpDir, "a.txt")
	b := filepath.Join(tmpDir, "b.txt")
	sub := filepath.Join(tmpDir, "sub")
	c := filepath.Join(sub, "c.txt")
	d := filepath.Join(sub, "d.log")

	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "dir.txt"), 0o755))
	for _, f := range []string{a, b, c, d} {
		require.NoError(t, os.WriteFile(f, []byte("x\n"), 0o644))
	}
	require.NoError(t, os.Symlink(a, filepath.Join(tmpDir, "link.txt")))

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"sorted wildcard", []string{filepath.Join(tmpDir, "*.txt")}, []string{a, b}},
		{"recursive", []string{filepath.Join(tmpDir, "**/*.txt")}, []string{a, b, c}},
		{"duplicates removed", []string{b, a, filepath.Join(tmpDir, "*.txt")}, []string{a, b}},
		{"extension", []string{filepath.Join(tmpDir, "**/*.log")}, []string{d}},
		{"no matches", []string{filepath.Join(tmpDir, "*.none")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindFiles(tt.patterns)
			if err != nil {
				t.Fatalf("FindFiles() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("FindFiles() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("FindFiles()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFindFiles_InvalidPattern(t *testing.T) {
	if _, err := FindFiles([]string{"[invalid"}); err == nil {
		t.Error("FindFiles() expected error for invalid pattern, got nil")
	}
}

func writeLines(t *testing.T, dir, name string, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSource_NumbersEventsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	first := writeLines(t, dir, "a.txt", "e0\ne1\r\n\ne3\n")
	second := writeLines(t, dir, "b.txt", "e4\ne5")

	src, err := OpenSource([]string{first, second})
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, int64(6), src.Len())
	want := []string{"e0", "e1", "", "e3", "e4", "e5"}

	for i := len(want) - 1; i >= 0; i-- {
		ev, err := src.Read(int64(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Index)
		assert.Equal(t, want[i], string(ev.Data))
	}
}

func TestSource_SeekAndNext(t *testing.T) {
	src, err := OpenSource([]string{writeLines(t, t.TempDir(), "a.txt", "a\nb\nc\n")})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Seek(1))
	ev, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", string(ev.Data))
	ev, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", string(ev.Data))

	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, src.Seek(3), ErrOutOfRange)
	assert.ErrorIs(t, src.Seek(-1), ErrOutOfRange)
}

func TestOpenSource_MissingFile(t *testing.T) {
	_, err := OpenSource([]string{filepath.Join(t.TempDir(), "missing.txt")})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSink(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.txt")
			sink, err := NewSink(path, compression)
			require.NoError(t, err)

			records := []string{"1\tabc", "2\tdef", strings.Repeat("z", 1000)}
			for _, r := range records {
				require.NoError(t, sink.Write([]byte(r)))
			}
			assert.Equal(t, int64(3), sink.Count())
			require.NoError(t, sink.Close())
			require.NoError(t, sink.Close())

			got, err := ReadAll(path)
			require.NoError(t, err)
			assert.Equal(t, records, got)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			if compression == "zstd" {
				assert.Equal(t, zstdMagic, raw[:4])
			} else {
				assert.True(t, strings.HasPrefix(string(raw), "1\tabc\n"))
			}
		})
	}
}

func TestNewSink_UnknownCompression(t *testing.T) {
	_, err := NewSink(filepath.Join(t.TempDir(), "out"), "gzip")
	assert.Error(t, err)
}
