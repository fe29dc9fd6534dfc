package composer

import (
	"sort"
	"strings"

	"github.com/kalambet/ctxd/internal/retrieval"
)

// Sequential joins results in score order with a separator, under an
// optional token budget. When the budget is set, lowest-scoring results are
// dropped first until the rendered block fits.
type Sequential struct {
	Separator       string
	Header          string
	Footer          string
	IncludeMetadata bool

	// MaxTokens bounds the rendered block; <= 0 disables the budget.
	MaxTokens int
}

// NewSequential creates a sequential composer with the default separator.
func NewSequential() *Sequential {
	return &Sequential{Separator: "\n\n---\n\n"}
}

func (c *Sequential) Compose(results []retrieval.ContextResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	sorted := make([]retrieval.ContextResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	sep := c.Separator
	if sep == "" {
		sep = "\n\n---\n\n"
	}

	frameTokens := EstimateTokens(c.Header) + EstimateTokens(c.Footer)
	remaining := c.MaxTokens - frameTokens

	var entries []string
	for _, r := range sorted {
		entry := formatResult(r, c.IncludeMetadata)
		if c.MaxTokens > 0 {
			tokens := EstimateTokens(entry) + EstimateTokens(sep)
			if tokens > remaining {
				continue
			}
			remaining -= tokens
		}
		entries = append(entries, entry)
	}

	var sb strings.Builder
	if c.Header != "" {
		sb.WriteString(c.Header)
		sb.WriteString("\n\n")
	}
	sb.WriteString(strings.Join(entries, sep))
	if c.Footer != "" {
		sb.WriteString("\n\n")
		sb.WriteString(c.Footer)
	}
	return sb.String(), nil
}
