package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineRenderer_RedrawsInPlace(t *testing.T) {
	// Given: a line renderer without color
	buf := &bytes.Buffer{}
	r := NewLineRenderer(NewConfig(buf, WithNoColor(true)))

	// When: two updates of the same stage arrive
	r.UpdateProgress(ProgressEvent{Stage: StageExtracting, Current: 1, Total: 4})
	r.UpdateProgress(ProgressEvent{Stage: StageExtracting, Current: 2, Total: 4})

	// Then: both are carriage-return redraws on one line
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\r"))
	assert.NotContains(t, out, "\n")
	assert.Contains(t, out, " 50% 2/4")
}

func TestLineRenderer_StageChangeStartsNewLine(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewLineRenderer(NewConfig(buf, WithNoColor(true)))

	r.UpdateProgress(ProgressEvent{Stage: StageExtracting, Current: 4, Total: 4})
	r.UpdateProgress(ProgressEvent{Stage: StageEmbedding, Current: 1, Total: 8})
	require.NoError(t, r.Stop())

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.Contains(t, out, "Embedding")
}

func TestLineRenderer_ErrorClearsLine(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewLineRenderer(NewConfig(buf, WithNoColor(true)))

	r.UpdateProgress(ProgressEvent{Stage: StageExtracting, Current: 1, Total: 2})
	r.AddError(ErrorEvent{File: "a.pdf", Err: errors.New("encrypted"), IsWarn: true})

	assert.True(t, strings.HasSuffix(buf.String(), "\r\033[Kwarn a.pdf: encrypted\n"))
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		name           string
		current, total int
		filled         int
	}{
		{"empty", 0, 10, 0},
		{"half", 5, 10, 5},
		{"full", 10, 10, 10},
		{"overflow", 15, 10, 10},
		{"no total", 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := renderBar(tt.current, tt.total, 10)
			assert.Equal(t, tt.filled, strings.Count(bar, "█"))
			assert.Equal(t, 10, len([]rune(bar)))
		})
	}
}

func TestEstimate(t *testing.T) {
	assert.Zero(t, estimate(500*time.Millisecond, 1, 10))
	assert.Zero(t, estimate(10*time.Second, 0, 10))
	assert.Zero(t, estimate(10*time.Second, 10, 10))
	assert.Equal(t, 30*time.Second, estimate(10*time.Second, 1, 4))
}
