package watcher

import (
	"context"
	"strings"
	"time"
)

// Operation is the kind of change observed for a path.
type Operation int

const (
	// OpCreate is a new file.
	OpCreate Operation = iota
	// OpModify is a rewritten file, or one replaced within the debounce window.
	OpModify
	// OpDelete is a removed file or directory.
	OpDelete
	// OpRename is the old name of a moved file or directory. The new name
	// arrives as its own OpCreate.
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Gone reports whether the path no longer exists after the operation.
func (op Operation) Gone() bool {
	return op == OpDelete || op == OpRename
}

// FileEvent is one coalesced change.
type FileEvent struct {
	// Path is bank-relative and slash separated.
	Path      string
	Operation Operation

	// IsDir is only reliable for creations; a removed path can no longer be
	// inspected.
	IsDir     bool
	Timestamp time.Time
}

// Watcher is satisfied by HybridWatcher.
type Watcher interface {
	// Start watches root recursively until ctx is done or Stop is called.
	Start(ctx context.Context, root string) error
	// Stop releases resources and closes both channels. Safe to call twice.
	Stop() error
	// Events delivers debounced batches sorted by path.
	Events() <-chan []FileEvent
	// Errors delivers non-fatal watcher errors.
	Errors() <-chan error
}

// Filter decides which paths produce events.
type Filter interface {
	IgnoreDir(rel string) bool
	IgnoreFile(rel string) bool
}

// hiddenFilter ignores dot-prefixed segments only. Used when no Filter is set.
type hiddenFilter struct{}

func (hiddenFilter) IgnoreDir(rel string) bool  { return hidden(rel) }
func (hiddenFilter) IgnoreFile(rel string) bool { return hidden(rel) }

func hidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." {
			return true
		}
	}
	return rel == "" || rel == "."
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is the quiet period before a batch is emitted.
	// Default: 500ms
	DebounceWindow time.Duration

	// PollInterval is the scan period in polling mode.
	// Default: 5s
	PollInterval time.Duration

	// EventBufferSize is the number of batches buffered for the consumer.
	// Default: 100
	EventBufferSize int

	// Filter selects watched paths. Default: ignore hidden paths.
	Filter Filter

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 100,
		Filter:          hiddenFilter{},
	}
}

// WithDefaults fills zero values from DefaultOptions.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	if o.Filter == nil {
		o.Filter = defaults.Filter
	}
	return o
}
