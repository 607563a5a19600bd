package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestInstancePathIsPureFunction(t *testing.T) {
	l := New("/data/project")
	got := l.InstancePath("SITE-000001", "1.2.3", "1.2.4", "1.2.5")
	require.Equal(t, "/data/project/SITE-000001/1.2.3/1.2.4/1.2.5.dcm", got)
}

func TestWriteFileAtomicRejectsCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b.dcm")

	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one", string(data))

	err = WriteFileAtomic(path, []byte("two"))
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.StorageError, kind)
}

func TestQuarantinePartitionsByCategory(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.Quarantine(errs.MissingAttributes, "abc", []byte("bytes")))

	path, err := l.QuarantinePath(errs.MissingAttributes, "abc")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "bytes", string(data))

	_, err = l.QuarantinePath(errs.AlreadyPresent, "x")
	require.Error(t, err)
}
