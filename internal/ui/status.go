package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo is what `evidx status` shows.
type StatusInfo struct {
	BankRoot    string    `json:"bank_root"`
	DataDir     string    `json:"data_dir"`
	State       string    `json:"state"`
	Generation  int64     `json:"generation"`
	TotalFiles  int       `json:"total_files"`
	TotalChunks int       `json:"total_chunks"`
	BuiltAt     time.Time `json:"built_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`

	// Semantic is the model of the current snapshot, empty when lexical only.
	Semantic          string `json:"semantic,omitempty"`
	SemanticExcluded  int    `json:"semantic_excluded"`
	EmbedderModel     string `json:"embedder_model,omitempty"`
	EmbedderAvailable bool   `json:"embedder_available"`

	// SnapshotSize is the on-disk size of the current generation in bytes.
	SnapshotSize int64 `json:"snapshot_size"`
}

// StatusRenderer displays index status.
type StatusRenderer struct {
	out     io.Writer
	noColor bool
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, noColor: noColor}
}

// Render writes a human-readable report.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "Index status: %s\n\n", info.BankRoot)
	_, _ = fmt.Fprintf(r.out, "  State:        %s\n", r.renderState(info.State))
	if info.Generation == 0 {
		_, _ = fmt.Fprintln(r.out, "  Generation:   none (run `evidx rebuild`)")
	} else {
		_, _ = fmt.Fprintf(r.out, "  Generation:   %d\n", info.Generation)
		_, _ = fmt.Fprintf(r.out, "  Files:        %d\n", info.TotalFiles)
		_, _ = fmt.Fprintf(r.out, "  Chunks:       %d\n", info.TotalChunks)
		if !info.BuiltAt.IsZero() {
			_, _ = fmt.Fprintf(r.out, "  Built:        %s\n", formatTime(info.BuiltAt))
		}
		_, _ = fmt.Fprintf(r.out, "  Size:         %s\n", FormatBytes(info.SnapshotSize))
	}
	_, _ = fmt.Fprintf(r.out, "  Data dir:     %s\n", info.DataDir)
	if info.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "  Last error:   %s\n", info.LastError)
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Semantic:")
	switch {
	case info.Semantic != "":
		_, _ = fmt.Fprintf(r.out, "    Snapshot model: %s (%d chunks excluded)\n", info.Semantic, info.SemanticExcluded)
	case info.Generation > 0:
		_, _ = fmt.Fprintln(r.out, "    Snapshot model: none (lexical only)")
	}
	if info.EmbedderModel == "" {
		_, _ = fmt.Fprintln(r.out, "    Embedder:       disabled")
		return nil
	}
	avail := "ready"
	if !info.EmbedderAvailable {
		avail = "offline"
	}
	_, _ = fmt.Fprintf(r.out, "    Embedder:       %s (%s)\n", info.EmbedderModel, r.renderState(avail))
	if info.Semantic != "" && info.Semantic != info.EmbedderModel {
		_, _ = fmt.Fprintln(r.out, "    Model changed since the last build; queries are lexical until `evidx rebuild --force`.")
	}
	return nil
}

// RenderJSON writes status as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderState(state string) string {
	if r.noColor {
		return state
	}
	switch state {
	case "ready":
		return "\033[32m" + state + "\033[0m"
	case "building", "updating", "offline":
		return "\033[33m" + state + "\033[0m"
	case "failed":
		return "\033[31m" + state + "\033[0m"
	default:
		return state
	}
}

// formatTime formats a time relative to now.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

// FormatBytes formats a byte count for humans.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
