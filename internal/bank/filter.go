package bank

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/evidx/internal/extract"
)

// Skip reasons reported by the scanner.
const (
	ReasonHidden      = "hidden"
	ReasonDataDir     = "data_dir"
	ReasonExcluded    = "excluded"
	ReasonNotIncluded = "not_included"
	ReasonUnsupported = "unsupported"
	ReasonTooLarge    = "too_large"
	ReasonSymlink     = "symlink"
)

// Filter decides which bank paths are indexable. It is safe for concurrent
// use; it holds no mutable state.
type Filter struct {
	dataRel     string
	include     *Matcher
	exclude     *Matcher
	maxFileSize int64
}

// NewFilter builds a filter for the bank at root. dataDir is skipped when it
// lies inside the bank. maxFileSize <= 0 disables the size limit.
func NewFilter(root, dataDir string, include, exclude []string, maxFileSize int64) (*Filter, error) {
	inc, err := NewMatcher(include)
	if err != nil {
		return nil, fmt.Errorf("bank.include: %w", err)
	}
	exc, err := NewMatcher(exclude)
	if err != nil {
		return nil, fmt.Errorf("bank.exclude: %w", err)
	}
	f := &Filter{include: inc, exclude: exc, maxFileSize: maxFileSize}
	if dataDir != "" {
		if rel, err := filepath.Rel(root, dataDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			f.dataRel = filepath.ToSlash(rel)
		}
	}
	return f, nil
}

// DirReason returns why a directory should not be descended into, or "".
func (f *Filter) DirReason(rel string) string {
	rel = filepath.ToSlash(rel)
	switch {
	case f.dataRel != "" && (rel == f.dataRel || strings.HasPrefix(rel, f.dataRel+"/")):
		return ReasonDataDir
	case isHidden(rel):
		return ReasonHidden
	case f.exclude.Match(rel, true):
		return ReasonExcluded
	}
	return ""
}

// FileReason returns why a file is not indexable, or "". size < 0 skips the
// size check.
func (f *Filter) FileReason(rel string, size int64) string {
	rel = filepath.ToSlash(rel)
	if dir := filepath.ToSlash(filepath.Dir(rel)); dir != "." {
		if reason := f.DirReason(dir); reason != "" {
			return reason
		}
	}
	switch {
	case isHidden(rel):
		return ReasonHidden
	case f.exclude.Match(rel, false):
		return ReasonExcluded
	case f.include.Len() > 0 && !f.include.Match(rel, false):
		return ReasonNotIncluded
	case !extract.Supported(rel):
		return ReasonUnsupported
	case size >= 0 && f.maxFileSize > 0 && size > f.maxFileSize:
		return ReasonTooLarge
	}
	return ""
}

// IgnoreDir reports whether the watcher should skip a directory, or a
// removed path whose kind can no longer be determined.
func (f *Filter) IgnoreDir(rel string) bool {
	return rel == "." || rel == "" || f.DirReason(rel) != ""
}

// IgnoreFile reports whether the watcher should skip a file event.
func (f *Filter) IgnoreFile(rel string) bool {
	return rel == "." || rel == "" || f.FileReason(rel, -1) != ""
}

// isHidden reports whether any segment of rel starts with a dot.
func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
