package composer

import (
	"sort"
	"strings"

	"github.com/kalambet/ctxd/internal/retrieval"
)

const defaultMaxDepth = 3

// Hierarchical groups results into a tree by successive metadata keys and
// renders it with indentation. Results sharing a group keep their input
// order; results missing a grouping key land in an "ungrouped" branch.
type Hierarchical struct {
	// GroupKeys are the metadata keys to nest by, outermost first. The tree
	// never nests deeper than MaxDepth levels.
	GroupKeys []string
	MaxDepth  int
}

// NewHierarchical creates a hierarchical composer grouping by the given
// metadata keys.
func NewHierarchical(groupKeys ...string) *Hierarchical {
	return &Hierarchical{GroupKeys: groupKeys, MaxDepth: defaultMaxDepth}
}

const ungroupedLabel = "ungrouped"

func (c *Hierarchical) Compose(results []retrieval.ContextResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	depth := c.MaxDepth
	if depth <= 0 {
		depth = defaultMaxDepth
	}
	keys := c.GroupKeys
	if len(keys) > depth {
		keys = keys[:depth]
	}

	var sb strings.Builder
	c.render(&sb, results, keys, 0)
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (c *Hierarchical) render(sb *strings.Builder, results []retrieval.ContextResult, keys []string, level int) {
	if len(keys) == 0 {
		for _, r := range results {
			writeIndented(sb, formatResult(r, false), level)
			sb.WriteString("\n")
		}
		return
	}

	key := keys[0]
	groups := make(map[string][]retrieval.ContextResult)
	var order []string
	for _, r := range results {
		label := r.Metadata[key]
		if label == "" {
			label = ungroupedLabel
		}
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], r)
	}
	// Groups render alphabetically, ungrouped last; members keep input order.
	sort.Slice(order, func(i, j int) bool {
		if order[i] == ungroupedLabel {
			return false
		}
		if order[j] == ungroupedLabel {
			return true
		}
		return order[i] < order[j]
	})

	for _, label := range order {
		writeIndented(sb, "## "+key+": "+label, level)
		sb.WriteString("\n")
		c.render(sb, groups[label], keys[1:], level+1)
	}
}

func writeIndented(sb *strings.Builder, text string, level int) {
	prefix := strings.Repeat("  ", level)
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString(prefix)
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}
