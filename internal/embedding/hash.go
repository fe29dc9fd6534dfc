package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultDimensions = 256

// Hash is a deterministic bag-of-words embedder using feature hashing.
// It needs no training and no model endpoint, which makes it the default
// for local deployments and tests. Vectors are L2-normalized so cosine
// similarity reflects token overlap.
type Hash struct {
	dims int
}

// NewHash creates a hashing embedder with the given dimension.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &Hash{dims: dims}
}

func (h *Hash) Dimensions() int { return h.dims }

// Embed hashes each token (and each adjacent-token bigram, at half weight)
// into a bucket and normalizes the result. Empty text yields a zero vector.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[h.bucket(tok)]++
		if i > 0 {
			vec[h.bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}

	normalize(vec)
	return vec, nil
}

func (h *Hash) bucket(token string) int {
	f := fnv.New32a()
	f.Write([]byte(token))
	return int(f.Sum32() % uint32(h.dims))
}

// tokenize lowercases, splits on non-alphanumeric runes, and strips common
// suffixes so "adds" and "add" land in the same bucket.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, stem(f))
	}
	return tokens
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(w, suffix) && len(w) > len(suffix)+2 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
}
