// Package embedding is the one numeric primitive the memory subsystem
// depends on: text in, unit vector out.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder converts text to vectors. EmbedBatch is order-preserving.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

const localModelID = "mio-chargram-384-v1"

var tokenPattern = regexp.MustCompile(`[\p{Han}]|[A-Za-z0-9_\-]+`)

// LocalEmbedder is a deterministic chargram/token hash embedder. It needs no
// network and keeps cosine comparisons meaningful within one corpus, which is
// all tests and offline runs require.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{dims: 384}
}

func (e *LocalEmbedder) ModelID() string { return localModelID }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx]++
	}
	for _, token := range Tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1.25
	}
	Normalize(vec)
	return vec, nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Tokenize splits text into lowercase word and CJK-character tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func Normalize(vec []float32) {
	n := Norm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine returns the cosine similarity of two vectors. Inputs are assumed
// normalized; mismatched lengths compare the shared prefix.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}
