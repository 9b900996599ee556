package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/internal/ml"
	"github.com/tessira/cartwright/pkg/models"
)

// writePhraseDataset lays out a two-model dataset: CAMRY 2020 with two
// pros and one con, CIVIC 2019 with one of each.
func writePhraseDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	phrases := []string{
		"spacious interior",     // 0: camry pro
		"great fuel economy",    // 1: camry pro
		"road noise",            // 2: camry con
		"reliable engine",       // 3: civic pro
		"stiff ride",            // 4: civic con
	}
	matrix := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{0.6, 0.8, 0},
		{0, 0.6, 0.8},
	}
	require.NoError(t, ml.WriteNpyMatrix(filepath.Join(dir, phraseMatrixFile), matrix))

	index := []phraseIndexRow{
		{Make: "Toyota", Model: "Camry", Year: 2020, ProsStart: 0, NPros: 2, ConsStart: 2, NCons: 1},
		{Make: "Honda", Model: "Civic", Year: 2019, ProsStart: 3, NPros: 1, ConsStart: 4, NCons: 1},
	}
	writeJSON(t, filepath.Join(dir, phraseIndexFile), index)
	writeJSON(t, filepath.Join(dir, phraseStringsFile), phrases)

	return dir
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func vehicleProductMMY(id, mk, model string, year int) models.Product {
	return models.Product{
		ID:       id,
		Name:     mk + " " + model,
		Category: "Vehicles",
		Vehicle:  &models.VehicleAttributes{VIN: "VIN-" + id, Make: mk, Model: model, Year: year},
	}
}

func TestPhraseStore(t *testing.T) {
	dir := writePhraseDataset(t)

	t.Run("NotReadyBeforePreload", func(t *testing.T) {
		ps := NewPhraseStore(dir, nil, silentLogger())

		_, err := ps.GetPhrases("Toyota", "Camry", 2020)
		assert.ErrorIs(t, err, ErrPhraseStoreNotReady)

		_, err = ps.CoverageStats()
		assert.ErrorIs(t, err, ErrPhraseStoreNotReady)
	})

	t.Run("PreloadImputesMissingYears", func(t *testing.T) {
		ps := NewPhraseStore(dir, nil, silentLogger())
		vehicles := []MMY{
			{Make: "Toyota", Model: "Camry", Year: 2020},
			{Make: "Toyota", Model: "Camry", Year: 2022}, // missing year, imputed from 2020
			{Make: "Honda", Model: "Civic", Year: 2019},
			{Make: "Ford", Model: "F-150", Year: 2021}, // never reviewed, stays absent
		}
		require.NoError(t, ps.Preload(context.Background(), vehicles))
		assert.True(t, ps.Ready())

		native, err := ps.GetPhrases("toyota", "camry", 2020)
		require.NoError(t, err)
		require.NotNil(t, native)
		assert.False(t, native.Imputed)
		assert.Equal(t, []string{"spacious interior", "great fuel economy"}, native.Pros)
		assert.Equal(t, []string{"road noise"}, native.Cons)
		assert.Len(t, native.ProsEmbeddings, 2)

		imputed, err := ps.GetPhrases("TOYOTA", "CAMRY", 2022)
		require.NoError(t, err)
		require.NotNil(t, imputed)
		assert.True(t, imputed.Imputed)
		assert.Equal(t, 2022, imputed.Year)
		assert.Equal(t, native.Pros, imputed.Pros)

		absent, err := ps.GetPhrases("Ford", "F-150", 2021)
		require.NoError(t, err)
		assert.Nil(t, absent)
	})

	t.Run("ImputationCopiesMostRecentYear", func(t *testing.T) {
		dir2 := t.TempDir()
		matrix := [][]float32{{1, 0}, {0, 1}, {0.5, 0.5}, {1, 1}}
		require.NoError(t, ml.WriteNpyMatrix(filepath.Join(dir2, phraseMatrixFile), matrix))
		writeJSON(t, filepath.Join(dir2, phraseIndexFile), []phraseIndexRow{
			{Make: "Toyota", Model: "Camry", Year: 2018, ProsStart: 0, NPros: 1, ConsStart: 1, NCons: 1},
			{Make: "Toyota", Model: "Camry", Year: 2021, ProsStart: 2, NPros: 1, ConsStart: 3, NCons: 1},
		})
		writeJSON(t, filepath.Join(dir2, phraseStringsFile), []string{"old pro", "old con", "new pro", "new con"})

		ps := NewPhraseStore(dir2, nil, silentLogger())
		require.NoError(t, ps.Preload(context.Background(), []MMY{
			{Make: "Toyota", Model: "Camry", Year: 2023},
		}))

		rec, err := ps.GetPhrases("Toyota", "Camry", 2023)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Imputed)
		assert.Equal(t, []string{"new pro"}, rec.Pros)
	})

	t.Run("CoverageStats", func(t *testing.T) {
		ps := NewPhraseStore(dir, nil, silentLogger())
		require.NoError(t, ps.Preload(context.Background(), []MMY{
			{Make: "Toyota", Model: "Camry", Year: 2020},
			{Make: "Toyota", Model: "Camry", Year: 2022},
			{Make: "Honda", Model: "Civic", Year: 2019},
		}))

		stats, err := ps.CoverageStats()
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Native)
		assert.Equal(t, 1, stats.Imputed)
		assert.Equal(t, 3, stats.TotalPros)
		assert.Equal(t, 2, stats.TotalCons)
		assert.Greater(t, stats.ApproxMB, 0.0)
	})

	t.Run("EncodeRequiresEncoder", func(t *testing.T) {
		ps := NewPhraseStore(dir, nil, silentLogger())
		_, err := ps.Encode(context.Background(), "quiet cabin")
		assert.ErrorIs(t, err, ErrMissingEncoder)

		_, err = ps.EncodeBatch(context.Background(), []string{"quiet cabin"})
		assert.ErrorIs(t, err, ErrMissingEncoder)
	})

	t.Run("EncodeDelegatesToEncoder", func(t *testing.T) {
		enc := ml.NewTextEncoder(ml.TextEncoderConfig{Dimensions: 16}, nil, silentLogger())
		defer enc.Stop()

		ps := NewPhraseStore(dir, enc, silentLogger())
		vec, err := ps.Encode(context.Background(), "quiet cabin")
		require.NoError(t, err)
		assert.Len(t, vec, 16)

		batch, err := ps.EncodeBatch(context.Background(), []string{"quiet cabin", "smooth ride"})
		require.NoError(t, err)
		assert.Len(t, batch, 2)
	})

	t.Run("PhraseVectorsForRanker", func(t *testing.T) {
		ps := NewPhraseStore(dir, nil, silentLogger())
		require.NoError(t, ps.Preload(context.Background(), nil))

		pros, cons, ok := ps.PhraseVectors(vehicleProductMMY("p1", "Toyota", "Camry", 2020))
		assert.True(t, ok)
		assert.Len(t, pros, 2)
		assert.Len(t, cons, 1)

		_, _, ok = ps.PhraseVectors(vehicleProductMMY("p2", "Ford", "F-150", 2021))
		assert.False(t, ok)
	})
}
