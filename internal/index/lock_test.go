package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

func TestWriterLock_SingleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	a := newWriterLock(path)
	b := newWriterLock(path)

	// Given: a holds the lock
	require.NoError(t, a.TryLock())

	// When/Then: a second holder in the same lock is busy
	err := a.TryLock()
	assert.ErrorIs(t, err, everrors.ErrBusy)

	// When/Then: a second lock on the same file is busy and names the pid
	err = b.TryLock()
	require.ErrorIs(t, err, everrors.ErrBusy)
	assert.Contains(t, everrors.Detail(err, "holder"), "pid")

	// When: a releases
	require.NoError(t, a.Unlock())

	// Then: b can take it
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
}
