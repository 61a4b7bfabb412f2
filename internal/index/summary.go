package index

import (
	"fmt"
	"time"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

// State is the lifecycle state of the manager. Status only ever reports
// Empty, Ready or Failed; Building and Updating only name the write in
// flight in the logs.
type State string

const (
	StateEmpty    State = "empty"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateUpdating State = "updating"
	StateFailed   State = "failed"
)

// Phase names a stage of a build for progress reporting.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseEmbed   Phase = "embed"
	PhaseIndex   Phase = "index"
	PhaseCommit  Phase = "commit"
)

// ProgressFunc receives build progress. Calls are serialized.
type ProgressFunc func(phase Phase, current, total int)

// WriteOptions configures a write operation.
type WriteOptions struct {
	// Force re-extracts files whose content hash is unchanged.
	Force bool

	// Progress is optional.
	Progress ProgressFunc
}

// Failure is one file that could not be processed.
type Failure struct {
	Path  string `json:"path"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Summary reports the outcome of a write operation.
type Summary struct {
	BuildID    string        `json:"build_id"`
	Generation int64         `json:"generation"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Removed    int           `json:"removed"`
	Failures   []Failure     `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (s *Summary) fail(path string, err error) {
	s.Failed++
	s.Failures = append(s.Failures, Failure{
		Path:  path,
		Code:  everrors.GetCode(err),
		Error: err.Error(),
	})
}

// String renders a one-line summary.
func (s *Summary) String() string {
	return fmt.Sprintf("generation %d: %d indexed, %d skipped, %d duplicates, %d removed, %d failed (%s)",
		s.Generation, s.Succeeded, s.Skipped, s.Duplicates, s.Removed, s.Failed,
		s.Duration.Round(time.Millisecond))
}

// changed reports whether the build touched the manifest.
func (s *Summary) changed() bool {
	return s.Succeeded > 0 || s.Duplicates > 0 || s.Removed > 0
}

// Status describes the last known-good snapshot.
type Status struct {
	Indexed     bool      `json:"indexed"`
	TotalFiles  int       `json:"total_files"`
	TotalChunks int       `json:"total_chunks"`
	Generation  int64     `json:"generation"`
	State       State     `json:"state"`
	Semantic    string    `json:"semantic,omitempty"`
	Excluded    int       `json:"semantic_excluded,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	BuiltAt     time.Time `json:"built_at,omitempty"`
}
