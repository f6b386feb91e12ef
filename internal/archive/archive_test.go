package archive

import (
	"archive/tar"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "syn", "0", "outputs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "syn", "0", "outputs", "top.v"), []byte("module top;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "scratch.tmp"), []byte("skip me"), 0o644))

	var buf bytes.Buffer
	keep := func(rel string, d fs.DirEntry) bool { return !strings.HasSuffix(rel, ".tmp") }
	require.NoError(t, Create(&buf, src, "abc", keep))

	dst := t.TempDir()
	require.NoError(t, Extract(&buf, dst))
	got, err := os.ReadFile(filepath.Join(dst, "abc", "syn", "0", "outputs", "top.v"))
	require.NoError(t, err)
	require.Equal(t, "module top;", string(got))
	require.NoFileExists(t, filepath.Join(dst, "abc", "scratch.tmp"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	dst := filepath.Join(t.TempDir(), "out")
	err = Extract(&buf, dst)
	require.ErrorIs(t, err, ErrUnsafePath)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dst), "evil.txt"))
}

func TestCreateFileReportsSize(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), bytes.Repeat([]byte("x"), 4096), 0o644))
	size, err := CreateFile(filepath.Join(t.TempDir(), "a.tar.gz"), src, "job", nil)
	require.NoError(t, err)
	require.Greater(t, size, int64(0))
}

func writeTar(t *testing.T, build func(tw *tar.Writer)) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	build(tw)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return &buf
}

func TestExtractRejectsWritesThroughSymlink(t *testing.T) {
	outside := t.TempDir()
	body := []byte("owned")
	buf := writeTar(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "job/link", Linkname: outside, Typeflag: tar.TypeSymlink}))
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "job/link/evil.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	})

	dst := t.TempDir()
	require.ErrorIs(t, Extract(buf, dst), ErrUnsafePath)
	require.NoFileExists(t, filepath.Join(outside, "evil.txt"))
}

func TestExtractRejectsRelativeSymlinkEscape(t *testing.T) {
	buf := writeTar(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "job/up", Linkname: "../../..", Typeflag: tar.TypeSymlink}))
	})
	dst := t.TempDir()
	require.ErrorIs(t, Extract(buf, dst), ErrUnsafePath)
	_, err := os.Lstat(filepath.Join(dst, "job", "up"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestExtractWithinRootSymlinkIsKept(t *testing.T) {
	body := []byte("module top;")
	buf := writeTar(t, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "job/top.v", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(body)
		require.NoError(t, err)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "job/latest.v", Linkname: "top.v", Typeflag: tar.TypeSymlink}))
	})
	dst := t.TempDir()
	require.NoError(t, Extract(buf, dst))
	got, err := os.ReadFile(filepath.Join(dst, "job", "latest.v"))
	require.NoError(t, err)
	require.Equal(t, body, got)
}
