package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

// fakeOllama serves /api/tags and /api/embed. The first failEmbeds embed
// requests return 500.
func fakeOllama(t *testing.T, dims int, failEmbeds int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var embedCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(OllamaModelListResponse{
			Models: []OllamaModelInfo{{Name: "bge-m3:latest"}},
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		n := embedCalls.Add(1)
		if n <= failEmbeds {
			http.Error(w, "model loading", http.StatusInternalServerError)
			return
		}

		var req OllamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var inputs []string
		switch in := req.Input.(type) {
		case string:
			inputs = []string{in}
		case []any:
			for _, s := range in {
				inputs = append(inputs, s.(string))
			}
		}

		resp := OllamaEmbedResponse{Model: req.Model}
		for i := range inputs {
			v := make([]float64, dims)
			v[i%dims] = 2
			resp.Embeddings = append(resp.Embeddings, v)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &embedCalls
}

func fastRetry() everrors.RetryConfig {
	return everrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func TestNewOllamaEmbedder_ResolvesModelAndDimensions(t *testing.T) {
	// Given: a server with bge-m3 installed
	srv, _ := fakeOllama(t, 6, 0)

	// When: creating an embedder for the untagged name
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{Host: srv.URL, Model: "bge-m3", Retry: fastRetry()})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	// Then: the installed tag and probed dimension are used
	assert.Equal(t, "ollama:bge-m3:latest", e.ModelName())
	assert.Equal(t, 6, e.Dimensions())
	assert.True(t, e.Available(context.Background()))
}

func TestNewOllamaEmbedder_MissingModel(t *testing.T) {
	srv, _ := fakeOllama(t, 4, 0)

	_, err := NewOllamaEmbedder(context.Background(), OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", Retry: fastRetry()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

func TestOllamaEmbedder_EmbedBatch_SplitsAndNormalizes(t *testing.T) {
	// Given: batch size 2 and five texts, one blank
	srv, calls := fakeOllama(t, 4, 0)
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: srv.URL, Model: "bge-m3", Dimensions: 4, BatchSize: 2, SkipHealthCheck: true, Retry: fastRetry(),
	})
	require.NoError(t, err)

	// When: embedding
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", " ", "c", "d"})
	require.NoError(t, err)

	// Then: two requests carried the four non-blank texts
	require.Len(t, out, 5)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, IsZero(out[2]))
	assert.InDelta(t, 1.0, Magnitude(out[0]), 1e-6)
}

func TestOllamaEmbedder_RetriesTransientFailures(t *testing.T) {
	// Given: a server failing the first two embed calls
	srv, calls := fakeOllama(t, 4, 2)
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: srv.URL, Model: "bge-m3", Dimensions: 4, SkipHealthCheck: true, Retry: fastRetry(),
	})
	require.NoError(t, err)

	// When: embedding once
	v, err := e.Embed(context.Background(), "text")

	// Then: the third attempt succeeds
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaEmbedder_GivesUpAfterRetries(t *testing.T) {
	srv, _ := fakeOllama(t, 4, 100)
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: srv.URL, Model: "bge-m3", Dimensions: 4, SkipHealthCheck: true, Retry: fastRetry(),
	})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestOllamaEmbedder_ClosedRejects(t *testing.T) {
	srv, _ := fakeOllama(t, 4, 0)
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{Host: srv.URL, Dimensions: 4, SkipHealthCheck: true})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Embed(context.Background(), "x")

	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}
