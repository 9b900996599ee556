package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/ml"
	"github.com/tessira/cartwright/pkg/models"
)

// Query vector construction methods for SearchByIDs and ScoreCandidates.
const (
	QueryMethodSum    = "sum"
	QueryMethodConcat = "concat"
)

// DenseEmbeddingStore fronts the on-disk nearest-neighbour index with
// the shared text encoder. Product embeddings missing from the index
// are encoded from catalog text on demand and memoised; the memo write
// path is the only synchronised mutation after startup.
type DenseEmbeddingStore struct {
	index   *ml.VectorIndex
	encoder *ml.TextEncoder
	logger  *logrus.Logger

	mu          sync.RWMutex
	productMemo map[string][]float32
}

func NewDenseEmbeddingStore(index *ml.VectorIndex, encoder *ml.TextEncoder, logger *logrus.Logger) *DenseEmbeddingStore {
	return &DenseEmbeddingStore{
		index:       index,
		encoder:     encoder,
		logger:      logger,
		productMemo: make(map[string][]float32),
	}
}

// Ready reports whether the nearest-neighbour index is loaded.
func (s *DenseEmbeddingStore) Ready() bool {
	return s.index != nil && s.index.Ready()
}

// EncodeText embeds one query string.
func (s *DenseEmbeddingStore) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if s.encoder == nil {
		return nil, ErrMissingEncoder
	}
	return s.encoder.Encode(ctx, text)
}

// Search runs a free-text nearest-neighbour lookup over the whole
// index. Scores are 1/(1+distance).
func (s *DenseEmbeddingStore) Search(ctx context.Context, queryText string, k int) ([]string, []float64, error) {
	if !s.Ready() {
		return nil, nil, ml.ErrIndexNotReady
	}
	return s.index.Search(ctx, queryText, k)
}

// SearchByIDs restricts the lookup to SQL-narrowed candidate ids.
// method selects how the query vector is built from features.
func (s *DenseEmbeddingStore) SearchByIDs(ctx context.Context, candidateIDs []string, features []string, k int, method string) ([]string, []float64, error) {
	if !s.Ready() {
		return nil, nil, ml.ErrIndexNotReady
	}
	return s.index.SearchByIds(ctx, candidateIDs, features, k, method)
}

// ScoreCandidates computes a dense relevance score for every candidate,
// including ones absent from the index, whose embeddings are encoded
// from catalog text and memoised. Scores are 1/(1+distance) against the
// feature query vector.
func (s *DenseEmbeddingStore) ScoreCandidates(ctx context.Context, candidates []models.Product, features []string, method string) (map[string]float64, error) {
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	query, err := s.buildQueryVector(ctx, features, method)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(candidates))
	for _, product := range candidates {
		emb, err := s.ProductEmbedding(ctx, product)
		if err != nil {
			return nil, fmt.Errorf("failed to embed product %s: %w", product.ID, err)
		}
		scores[product.ID] = 1.0 / (1.0 + normalizedDistance(query, emb))
	}
	return scores, nil
}

// ProductEmbedding resolves a product's dense vector: memo first, then
// the index, then an on-demand encode of the catalog text.
func (s *DenseEmbeddingStore) ProductEmbedding(ctx context.Context, product models.Product) ([]float32, error) {
	s.mu.RLock()
	emb, ok := s.productMemo[product.ID]
	s.mu.RUnlock()
	if ok {
		return emb, nil
	}

	if s.index != nil && s.index.Ready() {
		if emb, ok := s.index.Embedding(product.ID); ok {
			s.memoize(product.ID, emb)
			return emb, nil
		}
	}

	if s.encoder == nil {
		return nil, ErrMissingEncoder
	}
	emb, err := s.encoder.Encode(ctx, productText(product))
	if err != nil {
		return nil, err
	}
	s.memoize(product.ID, emb)
	return emb, nil
}

func (s *DenseEmbeddingStore) memoize(id string, emb []float32) {
	s.mu.Lock()
	s.productMemo[id] = emb
	s.mu.Unlock()
}

// MemoSize reports the cached product count, for /status.
func (s *DenseEmbeddingStore) MemoSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.productMemo)
}

func (s *DenseEmbeddingStore) buildQueryVector(ctx context.Context, features []string, method string) ([]float32, error) {
	if s.encoder == nil {
		return nil, ErrMissingEncoder
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no features to build a query vector from")
	}

	if method == QueryMethodConcat {
		return s.encoder.Encode(ctx, strings.Join(features, ". "))
	}

	// sum: bag of preferences, renormalised.
	vecs, err := s.encoder.EncodeBatch(ctx, features)
	if err != nil {
		return nil, err
	}
	sum := make([]float32, len(vecs[0]))
	for _, vec := range vecs {
		for i, v := range vec {
			sum[i] += v
		}
	}
	return ml.L2Normalize(sum), nil
}

// normalizedDistance recovers the L2 distance between two unit vectors
// from their cosine similarity.
func normalizedDistance(a, b []float32) float64 {
	cos := ml.CosineSimilarity(a, b)
	d := 2 - 2*cos
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}

// productText builds the descriptive sentence encoded for products the
// index does not know about.
func productText(product models.Product) string {
	parts := []string{product.Name}
	if product.Brand != "" {
		parts = append(parts, product.Brand)
	}
	if product.ProductType != "" {
		parts = append(parts, product.ProductType)
	}
	if product.Category != "" {
		parts = append(parts, product.Category)
	}
	switch {
	case product.Vehicle != nil:
		v := product.Vehicle
		parts = append(parts, fmt.Sprintf("%d %s %s %s", v.Year, v.Make, v.Model, v.BodyStyle))
		if v.FuelType != "" {
			parts = append(parts, v.FuelType)
		}
	case product.Laptop != nil:
		l := product.Laptop
		if l.Processor != "" {
			parts = append(parts, l.Processor)
		}
		if l.GPU != "" {
			parts = append(parts, l.GPU)
		}
		if l.RAMGB > 0 {
			parts = append(parts, fmt.Sprintf("%dGB RAM", l.RAMGB))
		}
	case product.Book != nil:
		b := product.Book
		if b.Author != "" {
			parts = append(parts, "by "+b.Author)
		}
		if b.Genre != "" {
			parts = append(parts, b.Genre)
		}
	}
	return strings.Join(parts, " ")
}
