package preflight

import (
	"context"
	"fmt"
)

// CheckEmbedder checks that the configured embedder answers. It never
// fails a build: queries fall back to lexical search without it.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name: "embedder",
	}

	model, available := c.probe(ctx)
	switch {
	case model == "":
		result.Status = StatusPass
		result.Message = "disabled (lexical only)"
	case !available:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s is not reachable", model)
		result.Details = "Start the provider, set embeddings.provider: static, or set embeddings.enabled: false"
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s ready", model)
	}
	return result
}
