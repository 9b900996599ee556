package ml

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndex(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	enc := newTestEncoder(t)
	ctx := context.Background()

	texts := map[string]string{
		"prod-1": "gaming laptop with dedicated graphics",
		"prod-2": "lightweight ultrabook for travel",
		"prod-3": "gaming desktop tower",
		"prod-4": "paperback mystery novel",
	}

	ids := make([]string, 0, len(texts))
	vectors := make([][]float32, 0, len(texts))
	for _, id := range []string{"prod-1", "prod-2", "prod-3", "prod-4"} {
		vec, err := enc.Encode(ctx, texts[id])
		require.NoError(t, err)
		ids = append(ids, id)
		vectors = append(vectors, vec)
	}

	index := NewVectorIndex(enc, logger)

	t.Run("NotReadyBeforeLoad", func(t *testing.T) {
		_, _, err := index.Search(ctx, "gaming", 2)
		assert.ErrorIs(t, err, ErrIndexNotReady)
	})

	require.NoError(t, index.Populate("test-encoder", "v1", ids, vectors))

	t.Run("SearchRanksByProximity", func(t *testing.T) {
		got, scores, err := index.Search(ctx, "gaming laptop", 4)
		require.NoError(t, err)
		require.Len(t, got, 4)

		assert.Equal(t, "prod-1", got[0])
		for i := 1; i < len(scores); i++ {
			assert.GreaterOrEqual(t, scores[i-1], scores[i])
		}
		for _, s := range scores {
			assert.Greater(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	})

	t.Run("SearchByIdsRestrictsCandidates", func(t *testing.T) {
		got, _, err := index.SearchByIds(ctx, []string{"prod-2", "prod-4"}, []string{"gaming", "laptop"}, 2, "sum")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.NotContains(t, got, "prod-1")
		assert.NotContains(t, got, "prod-3")
	})

	t.Run("SearchByIds_ConcatMethod", func(t *testing.T) {
		got, _, err := index.SearchByIds(ctx, ids, []string{"mystery", "novel"}, 1, "concat")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "prod-4", got[0])
	})

	t.Run("Embedding", func(t *testing.T) {
		vec, ok := index.Embedding("prod-2")
		assert.True(t, ok)
		assert.Len(t, vec, enc.Dimensions())

		_, ok = index.Embedding("missing")
		assert.False(t, ok)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test-encoder.v1.idx")
		require.NoError(t, index.Save(path))

		loaded := NewVectorIndex(enc, logger)
		require.NoError(t, loaded.Load(path))
		assert.Equal(t, index.Size(), loaded.Size())

		got, _, err := loaded.Search(ctx, "gaming laptop", 1)
		require.NoError(t, err)
		assert.Equal(t, "prod-1", got[0])
	})

	t.Run("Load_ModelMismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "other-model.v1.idx")

		other := NewVectorIndex(nil, logger)
		require.NoError(t, other.Populate("other-model", "v1", ids, vectors))
		require.NoError(t, other.Save(path))

		loaded := NewVectorIndex(enc, logger)
		err := loaded.Load(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "does not match encoder model")
	})
}

func TestNpyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phrases.npy")

	matrix := [][]float32{
		{0.1, 0.2, 0.3},
		{-0.4, 0.5, -0.6},
	}
	require.NoError(t, WriteNpyMatrix(path, matrix))

	got, err := ReadNpyMatrix(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDeltaSlice(t, matrix[0], got[0], 1e-6)
	assert.InDeltaSlice(t, matrix[1], got[1], 1e-6)
}
