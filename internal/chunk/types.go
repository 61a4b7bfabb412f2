package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/Aman-CERP/evidx/internal/extract"
)

// Window defaults, in runes.
const (
	DefaultSize    = 1200
	DefaultOverlap = 150
)

// ErrMalformedProvenance reports spans that are out of order, overlapping or
// carry negative ranges. It indicates a bug in an extractor.
var ErrMalformedProvenance = errors.New("malformed span provenance")

// Chunk is an immutable retrieval unit.
type Chunk struct {
	ID   string
	Path string
	Seq  int
	Text string
	// Page is the first covered page (1-based, 0 = none); PageEnd the last.
	Page      int
	PageEnd   int
	Section   string
	Sections  []string
	Ambiguous bool
	CharStart int
	CharEnd   int
	Regions   []extract.Region
}

// GenerateID returns the chunk id for (path, seq): sha256(path NUL seq)[:16].
func GenerateID(path string, seq int) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(seq)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// TextHash keys stored embeddings so unchanged text is never re-embedded.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
