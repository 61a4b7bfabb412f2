package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGen(t *testing.T) {
	tests := []struct {
		name   string
		want   int64
		wantOK bool
	}{
		{"gen-1", 1, true},
		{"gen-42", 42, true},
		{"gen-0", 0, false},
		{"gen--3", 0, false},
		{"gen-x", 0, false},
		{".staging-abc", 0, false},
		{"gen-", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseGen(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayout_CurrentPointer(t *testing.T) {
	// Given: an empty data directory
	l := layout{dataDir: t.TempDir()}

	// When/Then: an absent CURRENT reads as generation 0
	gen, err := l.readCurrent()
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	// When: CURRENT is written twice
	require.NoError(t, l.writeCurrent(3))
	require.NoError(t, l.writeCurrent(4))

	// Then: the last write wins and no temp files remain
	gen, err = l.readCurrent()
	require.NoError(t, err)
	assert.Equal(t, int64(4), gen)
	entries, err := os.ReadDir(l.dataDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CurrentFileName, entries[0].Name())
}

func TestLayout_ReadCurrent_Garbage(t *testing.T) {
	l := layout{dataDir: t.TempDir()}
	require.NoError(t, os.WriteFile(l.currentPath(), []byte("not a generation"), 0o644))

	_, err := l.readCurrent()
	assert.ErrorContains(t, err, "not a generation")
}

func TestLayout_MaxGen(t *testing.T) {
	// Given: generations, a staging dir and a stray file
	l := layout{dataDir: t.TempDir()}
	for _, name := range []string{"gen-2", "gen-10", ".staging-x"} {
		require.NoError(t, os.MkdirAll(filepath.Join(l.snapshotsDir(), name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(l.snapshotsDir(), "gen-99"), nil, 0o644))

	// When/Then: only generation directories count
	gen, err := l.maxGen()
	require.NoError(t, err)
	assert.Equal(t, int64(10), gen)
}

func TestWriteFileAtomic_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
