package ml

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// TextEncoder produces deterministic, L2-normalised sentence vectors.
// It stands in for the external sentence-transformer: texts sharing
// tokens land near each other, identical texts encode identically, and
// the output dimensionality matches the on-disk index. One instance is
// shared by all requests; Encode is safe for concurrent use.
type TextEncoder struct {
	modelName string
	dims      int
	batchSize int

	redisClient *redis.Client
	logger      *logrus.Logger
	cachePrefix string
	cacheTTL    time.Duration

	jobQueue chan encodeJob
	quit     chan struct{}
}

type encodeJob struct {
	text     string
	response chan encodeResult
}

type encodeResult struct {
	vector []float32
	cached bool
}

type TextEncoderConfig struct {
	ModelName   string
	Dimensions  int
	BatchSize   int
	WorkerCount int
	CacheTTL    time.Duration
}

const defaultEncodeBatchSize = 128

var tokenSplitRegex = regexp.MustCompile(`[^a-z0-9]+`)

// NewTextEncoder starts the worker pool. The Redis client is optional;
// when nil, every call computes locally.
func NewTextEncoder(cfg TextEncoderConfig, redisClient *redis.Client, logger *logrus.Logger) *TextEncoder {
	if cfg.ModelName == "" {
		cfg.ModelName = "all-MiniLM-L6-v2"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultEncodeBatchSize
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 4
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	enc := &TextEncoder{
		modelName:   cfg.ModelName,
		dims:        cfg.Dimensions,
		batchSize:   cfg.BatchSize,
		redisClient: redisClient,
		logger:      logger,
		cachePrefix: "embed:text",
		cacheTTL:    cfg.CacheTTL,
		jobQueue:    make(chan encodeJob, cfg.BatchSize*2),
		quit:        make(chan struct{}),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		go enc.worker()
	}

	return enc
}

func (e *TextEncoder) worker() {
	for {
		select {
		case job := <-e.jobQueue:
			if vec, ok := e.getCached(job.text); ok {
				job.response <- encodeResult{vector: vec, cached: true}
				continue
			}
			vec := e.encodeLocal(job.text)
			e.putCached(job.text, vec)
			job.response <- encodeResult{vector: vec}
		case <-e.quit:
			return
		}
	}
}

func (e *TextEncoder) ModelName() string { return e.modelName }
func (e *TextEncoder) Dimensions() int   { return e.dims }

// Encode returns the vector for a single text.
func (e *TextEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	job := encodeJob{text: text, response: make(chan encodeResult, 1)}

	select {
	case e.jobQueue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-job.response:
		return result.vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EncodeBatch encodes texts in submission order, chunked by the
// configured batch size so a huge preload cannot swamp the queue.
func (e *TextEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		jobs := make([]encodeJob, end-start)
		for i, text := range texts[start:end] {
			jobs[i] = encodeJob{text: text, response: make(chan encodeResult, 1)}
			select {
			case e.jobQueue <- jobs[i]:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for i, job := range jobs {
			select {
			case result := <-job.response:
				results[start+i] = result.vector
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return results, nil
}

// encodeLocal builds a feature-hashed bag-of-tokens vector. Each token
// spreads eight signed spikes across the dimensions, keyed by its
// sha256 digest, so token overlap translates into cosine similarity.
func (e *TextEncoder) encodeLocal(text string) []float32 {
	vec := make([]float64, e.dims)

	for _, token := range e.tokenize(text) {
		digest := sha256.Sum256([]byte(token))
		for spike := 0; spike < 8; spike++ {
			idx := binary.BigEndian.Uint32(digest[spike*4:spike*4+4]) % uint32(e.dims)
			sign := 1.0
			if digest[31]>>uint(spike)&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}

	return l2NormalizeFloat64(vec)
}

func (e *TextEncoder) tokenize(text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	parts := tokenSplitRegex.Split(text, -1)

	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		tokens = append(tokens, p)
	}
	return tokens
}

func l2NormalizeFloat64(vec []float64) []float32 {
	norm := floats.Norm(vec, 2)
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// L2Normalize normalises a float32 vector in a fresh slice.
func L2Normalize(vec []float32) []float32 {
	v64 := make([]float64, len(vec))
	for i, v := range vec {
		v64[i] = float64(v)
	}
	return l2NormalizeFloat64(v64)
}

// CosineSimilarity assumes both inputs are already L2-normalised.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func (e *TextEncoder) getCached(text string) ([]float32, bool) {
	if e.redisClient == nil {
		return nil, false
	}

	key := e.cacheKey(text)
	result, err := e.redisClient.Get(context.Background(), key).Result()
	if err != nil {
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal([]byte(result), &vec); err != nil {
		e.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"key":   key,
		}).Warn("Failed to deserialize cached embedding")
		return nil, false
	}
	if len(vec) != e.dims {
		return nil, false
	}

	return vec, true
}

func (e *TextEncoder) putCached(text string, vec []float32) {
	if e.redisClient == nil {
		return
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return
	}

	key := e.cacheKey(text)
	if err := e.redisClient.Set(context.Background(), key, data, e.cacheTTL).Err(); err != nil {
		e.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"key":   key,
		}).Warn("Failed to cache embedding")
	}
}

func (e *TextEncoder) cacheKey(text string) string {
	digest := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%s:%x", e.cachePrefix, e.modelName, digest[:8])
}

// Stop shuts the worker pool down. In-flight jobs complete; queued
// jobs are abandoned.
func (e *TextEncoder) Stop() {
	close(e.quit)
	e.logger.Info("Text encoder stopped")
}
