// Package composer assembles retrieved context results into a single text
// block ready for prompt injection. Composers are total: any non-nil input
// yields output, and an empty result set yields an empty string.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/ctxd/internal/retrieval"
)

// Composer renders ranked context results into one string.
type Composer interface {
	Compose(results []retrieval.ContextResult) (string, error)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func formatResult(r retrieval.ContextResult, includeMetadata bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(Score: %.2f, Source: %s)\n", r.Score, r.SourceRef)
	if includeMetadata && len(r.Metadata) > 0 {
		sb.WriteString("[")
		sb.WriteString(formatMetadata(r.Metadata))
		sb.WriteString("]\n")
	}
	sb.WriteString(r.Text)
	return sb.String()
}

func formatMetadata(meta map[string]string) string {
	keys := sortedKeys(meta)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
