package manifest

import (
	"time"

	"github.com/Aman-CERP/evidx/internal/extract"
)

// Entry is one known source file.
type Entry struct {
	Path         string
	ContentHash  string
	Kind         extract.Kind
	Format       string
	Size         int64
	ModifiedTime time.Time
	Title        string
	Abstract     string
	PageCount    int
	ChunkCount   int
	// DuplicateOf names the canonical entry with identical bytes.
	DuplicateOf string
	IndexedAt   time.Time
}

// IsDuplicate reports whether e shadows another entry's bytes.
func (e *Entry) IsDuplicate() bool {
	return e.DuplicateOf != ""
}

// DuplicateMode selects how List treats duplicate entries.
type DuplicateMode int

const (
	DuplicatesInclude DuplicateMode = iota
	DuplicatesExclude
	DuplicatesOnly
)

// Filter narrows List. Zero value lists everything.
type Filter struct {
	Kind       extract.Kind
	PathPrefix string
	Duplicates DuplicateMode
}
