package memory

import "math"

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. Nil vectors and length mismatches return 0 rather than erroring:
// a missing embedding degrades retrieval ranking, it should not break it.
func CosineSimilarity(a, b []float64) float64 {
	if a == nil || b == nil || len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
