package ml

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrIndexNotReady is returned when a search arrives before the index
// finished loading.
var ErrIndexNotReady = errors.New("vector index not ready")

var vectorIndexMagic = [8]byte{'C', 'W', 'V', 'I', 'D', 'X', '0', '1'}

// VectorIndex is the dense product-embedding store. It is loaded once
// from disk at startup and read-only afterwards; lookups and searches
// are safe for concurrent use.
type VectorIndex struct {
	mu      sync.RWMutex
	ids     []string
	vectors [][]float32
	byID    map[string]int
	dims    int
	model   string
	version string
	ready   bool

	encoder *TextEncoder
	logger  *logrus.Logger
}

type vectorIndexHeader struct {
	Model   string `json:"model"`
	Version string `json:"version"`
	Dims    int    `json:"dims"`
	Count   int    `json:"count"`
}

func NewVectorIndex(encoder *TextEncoder, logger *logrus.Logger) *VectorIndex {
	return &VectorIndex{
		byID:    make(map[string]int),
		encoder: encoder,
		logger:  logger,
	}
}

// Load reads a serialised index from disk. The file carries model name
// and version in its header; a model mismatch with the encoder is an
// error because query and index vectors would live in different
// spaces.
func (vi *VectorIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("failed to read index magic: %w", err)
	}
	if magic != vectorIndexMagic {
		return fmt.Errorf("not a vector index file: %q", string(magic[:]))
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return fmt.Errorf("failed to read index header length: %w", err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return fmt.Errorf("failed to read index header: %w", err)
	}

	var header vectorIndexHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fmt.Errorf("failed to parse index header: %w", err)
	}
	if vi.encoder != nil && header.Model != vi.encoder.ModelName() {
		return fmt.Errorf("index model %q does not match encoder model %q", header.Model, vi.encoder.ModelName())
	}

	ids := make([]string, 0, header.Count)
	vectors := make([][]float32, 0, header.Count)
	byID := make(map[string]int, header.Count)

	for i := 0; i < header.Count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("failed to read id length at record %d: %w", i, err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("failed to read id at record %d: %w", i, err)
		}

		vec := make([]float32, header.Dims)
		if err := binary.Read(r, binary.LittleEndian, &vec); err != nil {
			return fmt.Errorf("failed to read vector at record %d: %w", i, err)
		}

		byID[string(idBytes)] = len(ids)
		ids = append(ids, string(idBytes))
		vectors = append(vectors, vec)
	}

	vi.mu.Lock()
	vi.ids = ids
	vi.vectors = vectors
	vi.byID = byID
	vi.dims = header.Dims
	vi.model = header.Model
	vi.version = header.Version
	vi.ready = true
	vi.mu.Unlock()

	vi.logger.WithFields(logrus.Fields{
		"path":    path,
		"model":   header.Model,
		"version": header.Version,
		"count":   header.Count,
		"dims":    header.Dims,
	}).Info("Vector index loaded")

	return nil
}

// Populate fills the index directly, used by tests and by offline
// index builds.
func (vi *VectorIndex) Populate(model, version string, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	byID := make(map[string]int, len(ids))
	dims := 0
	for i, id := range ids {
		if dims == 0 {
			dims = len(vectors[i])
		} else if len(vectors[i]) != dims {
			return fmt.Errorf("vector %d has %d dims, expected %d", i, len(vectors[i]), dims)
		}
		byID[id] = i
	}

	vi.mu.Lock()
	vi.ids = append([]string(nil), ids...)
	vi.vectors = vectors
	vi.byID = byID
	vi.dims = dims
	vi.model = model
	vi.version = version
	vi.ready = true
	vi.mu.Unlock()

	return nil
}

// Save writes the index in the on-disk format Load reads.
func (vi *VectorIndex) Save(path string) error {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vector index file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if _, err := w.Write(vectorIndexMagic[:]); err != nil {
		return err
	}

	headerBytes, err := json.Marshal(vectorIndexHeader{
		Model:   vi.model,
		Version: vi.version,
		Dims:    vi.dims,
		Count:   len(vi.ids),
	})
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}

	for i, id := range vi.ids {
		if err := binary.Write(w, binary.LittleEndian, uint16(len(id))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(id)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, vi.vectors[i]); err != nil {
			return err
		}
	}

	return w.Flush()
}

func (vi *VectorIndex) Ready() bool {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.ready
}

func (vi *VectorIndex) Size() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.ids)
}

// Embedding returns the stored vector for a product id.
func (vi *VectorIndex) Embedding(id string) ([]float32, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	pos, ok := vi.byID[id]
	if !ok {
		return nil, false
	}
	return vi.vectors[pos], true
}

type scoredID struct {
	id    string
	score float64
}

// Search encodes the query text and returns the k nearest product ids
// with similarity scores. Distance is L2; similarity is 1/(1+d).
func (vi *VectorIndex) Search(ctx context.Context, queryText string, k int) ([]string, []float64, error) {
	if !vi.Ready() {
		return nil, nil, ErrIndexNotReady
	}

	query, err := vi.encoder.Encode(ctx, queryText)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode query: %w", err)
	}

	return vi.searchVector(query, k, nil)
}

// SearchByIds ranks only the given candidates against a query built
// from feature strings. Method "sum" encodes each feature separately
// and L2-normalises the element-wise sum; "concat" joins the features
// into one sentence and encodes once.
func (vi *VectorIndex) SearchByIds(ctx context.Context, candidateIDs []string, features []string, k int, method string) ([]string, []float64, error) {
	if !vi.Ready() {
		return nil, nil, ErrIndexNotReady
	}
	if len(features) == 0 {
		return nil, nil, fmt.Errorf("no query features")
	}

	query, err := vi.buildQueryVector(ctx, features, method)
	if err != nil {
		return nil, nil, err
	}

	allowed := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		allowed[id] = true
	}

	return vi.searchVector(query, k, allowed)
}

func (vi *VectorIndex) buildQueryVector(ctx context.Context, features []string, method string) ([]float32, error) {
	switch method {
	case "concat":
		return vi.encoder.Encode(ctx, joinFeatures(features))
	case "", "sum":
		vecs, err := vi.encoder.EncodeBatch(ctx, features)
		if err != nil {
			return nil, fmt.Errorf("failed to encode features: %w", err)
		}
		sum := make([]float32, len(vecs[0]))
		for _, v := range vecs {
			for i := range v {
				sum[i] += v[i]
			}
		}
		return L2Normalize(sum), nil
	default:
		return nil, fmt.Errorf("unknown query method %q", method)
	}
}

func joinFeatures(features []string) string {
	out := ""
	for i, f := range features {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func (vi *VectorIndex) searchVector(query []float32, k int, allowed map[string]bool) ([]string, []float64, error) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if len(query) != vi.dims {
		return nil, nil, fmt.Errorf("query has %d dims, index has %d", len(query), vi.dims)
	}

	scored := make([]scoredID, 0, len(vi.ids))
	for i, id := range vi.ids {
		if allowed != nil && !allowed[id] {
			continue
		}
		dist := l2Distance(query, vi.vectors[i])
		scored = append(scored, scoredID{id: id, score: 1.0 / (1.0 + dist)})
	}

	sort.Slice(scored, func(a, b int) bool { return scored[a].score > scored[b].score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}

	ids := make([]string, len(scored))
	scores := make([]float64, len(scored))
	for i, s := range scored {
		ids[i] = s.id
		scores[i] = s.score
	}
	return ids, scores, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

