package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainRenderer_UpdateProgress_OutputFormat(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: updating progress
	r.UpdateProgress(ProgressEvent{Stage: StageExtracting, Current: 5, Total: 10, Message: "papers/a.pdf"})

	// Then: output carries the stage tag, the counts and the message
	out := buf.String()
	assert.Contains(t, out, "[EXTRACT]")
	assert.Contains(t, out, "5/10")
	assert.Contains(t, out, "papers/a.pdf")
}

func TestPlainRenderer_UpdateProgress_ThrottlesToDeciles(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: reporting every one of 100 items
	for i := 1; i <= 100; i++ {
		r.UpdateProgress(ProgressEvent{Stage: StageEmbedding, Current: i, Total: 100})
	}

	// Then: about one line per tenth is written, including the last
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.LessOrEqual(t, len(lines), 11)
	assert.Equal(t, "[EMBED] 100/100", lines[len(lines)-1])
}

func TestPlainRenderer_UpdateProgress_NoANSICodes(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	for _, stage := range []Stage{StageScanning, StageExtracting, StageEmbedding, StageIndexing, StageCommitting} {
		r.UpdateProgress(ProgressEvent{Stage: stage, Current: 1, Total: 2, Message: "working"})
	}

	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestPlainRenderer_UpdateProgress_ZeroTotal(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.UpdateProgress(ProgressEvent{Stage: StageScanning})
	assert.Empty(t, buf.String())

	r.UpdateProgress(ProgressEvent{Stage: StageScanning, Message: "walking bank"})
	assert.Equal(t, "[SCAN] walking bank\n", buf.String())
}

func TestPlainRenderer_AddError(t *testing.T) {
	tests := []struct {
		name  string
		event ErrorEvent
		want  string
	}{
		{"error with file", ErrorEvent{File: "a.pdf", Err: errors.New("truncated xref")}, "ERROR: a.pdf: truncated xref\n"},
		{"warning", ErrorEvent{File: "b.docx", Err: errors.New("no text"), IsWarn: true}, "WARN: b.docx: no text\n"},
		{"no file", ErrorEvent{Err: errors.New("embedder offline")}, "ERROR: embedder offline\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			r := NewPlainRenderer(NewConfig(buf))

			r.AddError(tt.event)

			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPlainRenderer_Complete(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))
	require.NoError(t, r.Start(context.Background()))

	// When: completing a build with failures
	r.Complete(CompletionStats{
		Generation: 3,
		Files:      12,
		Chunks:     340,
		Succeeded:  2,
		Skipped:    9,
		Failed:     1,
		Duration:   1500 * time.Millisecond,
		Semantic:   "static-hash-v1",
	})
	require.NoError(t, r.Stop())

	// Then: the summary names the generation, the counts and the model
	out := buf.String()
	assert.Contains(t, out, "generation 3, 12 files, 340 chunks in 1.5s")
	assert.Contains(t, out, "ingested 2, unchanged 9")
	assert.Contains(t, out, "failed 1")
	assert.Contains(t, out, "semantic index: static-hash-v1")
}

func TestPlainRenderer_Complete_LexicalOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.Complete(CompletionStats{Generation: 1})

	assert.Contains(t, buf.String(), "lexical only")
	assert.NotContains(t, buf.String(), "failed")
}
