package filex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { _ = os.Chdir(old) }
}

func TestEnsureParentDir_RelativeToCWD(t *testing.T) {
	tmp := t.TempDir()
	defer chdir(t, tmp)()

	got, err := EnsureParentDir(filepath.Join("data", "outbox.db"))
	require.NoError(t, err)

	want := filepath.Join(tmp, "data")
	require.Equal(t, want, got)

	fi, err := os.Stat(want)
	require.NoError(t, err)
	require.True(t, fi.IsDir(), "should create a directory")

	if runtime.GOOS != "windows" {
		perm := fi.Mode().Perm()
		require.Equal(t, os.FileMode(0o700), perm&0o700)
	}
}

func TestEnsureParentDir_Idempotent(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "a", "b", "outbox.db")

	first, err := EnsureParentDir(path)
	require.NoError(t, err)
	second, err := EnsureParentDir(path)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, filepath.Join(tmp, "a", "b"), second)
}

func TestEnsureParentDir_FailsIfFileWithSameNameExists(t *testing.T) {
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "data"), []byte("x"), 0o660))

	_, err := EnsureParentDir(filepath.Join(tmp, "data", "outbox.db"))
	require.Error(t, err, "should fail when a file exists with the same name")
}

func TestReadChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	b, err := ReadChunk(path, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("0123"), b)

	b, err = ReadChunk(path, 8, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("89"), b)

	b, err = ReadChunk(path, 10, 0)
	require.NoError(t, err)
	require.Empty(t, b)

	_, err = ReadChunk(path, 8, 4)
	require.ErrorIs(t, err, ErrShortRead)

	_, err = ReadChunk(filepath.Join(t.TempDir(), "missing"), 0, 1)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, Remove(path), "missing file is fine")
}
