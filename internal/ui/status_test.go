package ui

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRenderer_Render(t *testing.T) {
	// Given: a ready semantic index
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)
	info := StatusInfo{
		BankRoot:          "/bank",
		DataDir:           "/bank/.evidx",
		State:             "ready",
		Generation:        4,
		TotalFiles:        12,
		TotalChunks:       340,
		BuiltAt:           time.Now().Add(-5 * time.Minute),
		Semantic:          "static-hash-v1",
		SemanticExcluded:  2,
		EmbedderModel:     "static-hash-v1",
		EmbedderAvailable: true,
		SnapshotSize:      3 * 1024 * 1024,
	}

	// When: rendering
	require.NoError(t, r.Render(info))

	// Then: the report lists counts, age and semantic details
	out := buf.String()
	assert.Contains(t, out, "Index status: /bank")
	assert.Contains(t, out, "State:        ready")
	assert.Contains(t, out, "Generation:   4")
	assert.Contains(t, out, "Chunks:       340")
	assert.Contains(t, out, "5 minutes ago")
	assert.Contains(t, out, "3.0 MB")
	assert.Contains(t, out, "static-hash-v1 (2 chunks excluded)")
	assert.Contains(t, out, "(ready)")
	assert.NotContains(t, out, "\033[")
}

func TestStatusRenderer_Render_EmptyIndex(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.Render(StatusInfo{BankRoot: "/bank", State: "empty"}))

	assert.Contains(t, buf.String(), "none (run `evidx rebuild`)")
	assert.Contains(t, buf.String(), "Embedder:       disabled")
}

func TestStatusRenderer_Render_ModelChanged(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.Render(StatusInfo{
		State:         "ready",
		Generation:    2,
		Semantic:      "static-hash-v1",
		EmbedderModel: "nomic-embed-text",
	}))

	assert.Contains(t, buf.String(), "Model changed")
	assert.Contains(t, buf.String(), "(offline)")
}

func TestStatusRenderer_Render_FailedShowsLastError(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, false)

	require.NoError(t, r.Render(StatusInfo{State: "failed", LastError: "gen-3: snapshot metadata unreadable"}))

	assert.Contains(t, buf.String(), "\033[31mfailed\033[0m")
	assert.Contains(t, buf.String(), "Last error:   gen-3: snapshot metadata unreadable")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.RenderJSON(StatusInfo{State: "ready", Generation: 7, TotalChunks: 9}))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "ready", decoded["state"])
	assert.Equal(t, float64(7), decoded["generation"])
	assert.Equal(t, float64(9), decoded["total_chunks"])
	assert.NotContains(t, decoded, "built_at")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "just now", formatTime(time.Now()))
	assert.Equal(t, "1 hour ago", formatTime(time.Now().Add(-61*time.Minute)))
	assert.Equal(t, "2 days ago", formatTime(time.Now().Add(-49*time.Hour)))
}
