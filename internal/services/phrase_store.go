package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/ml"
	"github.com/tessira/cartwright/pkg/models"
)

// On-disk layout of the phrase embedding dataset. The matrix holds one
// L2-normalised row per phrase; index rows address half-open slices of
// it, and the strings file is the parallel list of raw phrases.
const (
	phraseMatrixFile  = "phrases.npy"
	phraseIndexFile   = "phrase_index.json"
	phraseStringsFile = "phrases.json"
)

type phraseIndexRow struct {
	Make      string `json:"make"`
	Model     string `json:"model"`
	Year      int    `json:"year"`
	ProsStart int    `json:"pros_start"`
	NPros     int    `json:"n_pros"`
	ConsStart int    `json:"cons_start"`
	NCons     int    `json:"n_cons"`
}

// PhraseRecord bundles the review phrases and their embeddings for one
// model year. Imputed records borrow the slices of the nearest native
// year, so mutating them is not allowed.
type PhraseRecord struct {
	Make           string
	Model          string
	Year           int
	Pros           []string
	Cons           []string
	ProsEmbeddings [][]float32
	ConsEmbeddings [][]float32
	Imputed        bool
}

// MMY identifies one vehicle model year as enumerated from the catalog.
type MMY struct {
	Make  string
	Model string
	Year  int
}

// PhraseCoverageStats summarises the store after preload.
type PhraseCoverageStats struct {
	Total     int     `json:"total"`
	Native    int     `json:"native"`
	Imputed   int     `json:"imputed"`
	TotalPros int     `json:"total_pros"`
	TotalCons int     `json:"total_cons"`
	ApproxMB  float64 `json:"approx_mb"`
}

// PhraseStore owns the per-vehicle review phrase embeddings used by the
// coverage-risk ranker. It is loaded once at startup and read-only from
// then on; concurrent reads are safe.
type PhraseStore struct {
	dir     string
	encoder *ml.TextEncoder
	logger  *logrus.Logger

	mu      sync.RWMutex
	records map[string]*PhraseRecord
	ready   bool
	stats   PhraseCoverageStats
}

func NewPhraseStore(dir string, encoder *ml.TextEncoder, logger *logrus.Logger) *PhraseStore {
	return &PhraseStore{
		dir:     dir,
		encoder: encoder,
		logger:  logger,
		records: make(map[string]*PhraseRecord),
	}
}

// Preload reads the dataset and imputes records for every catalog model
// year that lacks a native review, copying from the most recent native
// year of the same make+model. Model years with no reviewed year at all
// are logged and left absent.
func (ps *PhraseStore) Preload(ctx context.Context, vehicleKeys []MMY) error {
	started := time.Now()

	matrix, err := ml.ReadNpyMatrix(filepath.Join(ps.dir, phraseMatrixFile))
	if err != nil {
		return fmt.Errorf("failed to read phrase matrix: %w", err)
	}

	var index []phraseIndexRow
	if err := readJSONFile(filepath.Join(ps.dir, phraseIndexFile), &index); err != nil {
		return fmt.Errorf("failed to read phrase index: %w", err)
	}

	var phrases []string
	if err := readJSONFile(filepath.Join(ps.dir, phraseStringsFile), &phrases); err != nil {
		return fmt.Errorf("failed to read phrase strings: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	records := make(map[string]*PhraseRecord, len(index))
	nativeYears := make(map[string][]int)
	totalPros, totalCons := 0, 0

	for _, row := range index {
		if !sliceInBounds(row.ProsStart, row.NPros, len(matrix), len(phrases)) ||
			!sliceInBounds(row.ConsStart, row.NCons, len(matrix), len(phrases)) {
			ps.logger.WithFields(logrus.Fields{
				"make":  row.Make,
				"model": row.Model,
				"year":  row.Year,
			}).Warn("Skipping phrase index row with out-of-range offsets")
			continue
		}

		rec := &PhraseRecord{
			Make:           strings.ToUpper(row.Make),
			Model:          strings.ToUpper(row.Model),
			Year:           row.Year,
			Pros:           phrases[row.ProsStart : row.ProsStart+row.NPros],
			Cons:           phrases[row.ConsStart : row.ConsStart+row.NCons],
			ProsEmbeddings: matrix[row.ProsStart : row.ProsStart+row.NPros],
			ConsEmbeddings: matrix[row.ConsStart : row.ConsStart+row.NCons],
		}
		records[mmyKey(rec.Make, rec.Model, rec.Year)] = rec

		mm := makeModelKey(rec.Make, rec.Model)
		nativeYears[mm] = append(nativeYears[mm], rec.Year)
		totalPros += row.NPros
		totalCons += row.NCons
	}

	native := len(records)
	for _, years := range nativeYears {
		sort.Sort(sort.Reverse(sort.IntSlice(years)))
	}

	missing := 0
	for _, key := range vehicleKeys {
		mk, md := strings.ToUpper(key.Make), strings.ToUpper(key.Model)
		if _, ok := records[mmyKey(mk, md, key.Year)]; ok {
			continue
		}
		years := nativeYears[makeModelKey(mk, md)]
		if len(years) == 0 {
			missing++
			ps.logger.WithFields(logrus.Fields{
				"make":  key.Make,
				"model": key.Model,
			}).Debug("No reviewed year for model, skipping imputation")
			continue
		}
		source := records[mmyKey(mk, md, years[0])]
		records[mmyKey(mk, md, key.Year)] = &PhraseRecord{
			Make:           mk,
			Model:          md,
			Year:           key.Year,
			Pros:           source.Pros,
			Cons:           source.Cons,
			ProsEmbeddings: source.ProsEmbeddings,
			ConsEmbeddings: source.ConsEmbeddings,
			Imputed:        true,
		}
	}

	dims := 0
	if len(matrix) > 0 {
		dims = len(matrix[0])
	}
	stats := PhraseCoverageStats{
		Total:     len(records),
		Native:    native,
		Imputed:   len(records) - native,
		TotalPros: totalPros,
		TotalCons: totalCons,
		ApproxMB:  float64(len(matrix)*dims*4) / (1024 * 1024),
	}

	ps.mu.Lock()
	ps.records = records
	ps.stats = stats
	ps.ready = true
	ps.mu.Unlock()

	ps.logger.WithFields(logrus.Fields{
		"total":      stats.Total,
		"native":     stats.Native,
		"imputed":    stats.Imputed,
		"missing":    missing,
		"approx_mb":  fmt.Sprintf("%.1f", stats.ApproxMB),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("Phrase store preloaded")

	return nil
}

func (ps *PhraseStore) Ready() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.ready
}

// GetPhrases returns the record for an exact (make, model, year) match,
// or nil when the model year has no phrase coverage. Lookups are
// case-insensitive on make and model.
func (ps *PhraseStore) GetPhrases(mk, model string, year int) (*PhraseRecord, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if !ps.ready {
		return nil, ErrPhraseStoreNotReady
	}
	return ps.records[mmyKey(strings.ToUpper(mk), strings.ToUpper(model), year)], nil
}

// Encode embeds a single query phrase with the shared encoder.
func (ps *PhraseStore) Encode(ctx context.Context, text string) ([]float32, error) {
	if ps.encoder == nil {
		return nil, ErrMissingEncoder
	}
	return ps.encoder.Encode(ctx, text)
}

// EncodeBatch embeds query phrases in encoder-sized batches; rows come
// back L2-normalised.
func (ps *PhraseStore) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if ps.encoder == nil {
		return nil, ErrMissingEncoder
	}
	return ps.encoder.EncodeBatch(ctx, texts)
}

func (ps *PhraseStore) CoverageStats() (PhraseCoverageStats, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if !ps.ready {
		return PhraseCoverageStats{}, ErrPhraseStoreNotReady
	}
	return ps.stats, nil
}

// PhraseVectors adapts the store to the ranker's view of a product.
// Non-vehicles and uncovered model years report ok=false, which the
// ranker treats as zero coverage and zero risk.
func (ps *PhraseStore) PhraseVectors(product models.Product) (pros [][]float32, cons [][]float32, ok bool) {
	if product.Vehicle == nil {
		return nil, nil, false
	}
	rec, err := ps.GetPhrases(product.Vehicle.Make, product.Vehicle.Model, product.Vehicle.Year)
	if err != nil || rec == nil {
		return nil, nil, false
	}
	return rec.ProsEmbeddings, rec.ConsEmbeddings, true
}

func mmyKey(mk, model string, year int) string {
	return fmt.Sprintf("%s|%s|%d", mk, model, year)
}

func makeModelKey(mk, model string) string {
	return mk + "|" + model
}

func sliceInBounds(start, n, matrixLen, phrasesLen int) bool {
	if start < 0 || n < 0 {
		return false
	}
	end := start + n
	return end <= matrixLen && end <= phrasesLen
}

func readJSONFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", filepath.Base(path), err)
	}
	return nil
}
