package ml

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncoder(t *testing.T) *TextEncoder {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	enc := NewTextEncoder(TextEncoderConfig{
		ModelName:   "test-encoder",
		Dimensions:  64,
		BatchSize:   4,
		WorkerCount: 2,
	}, nil, logger)
	t.Cleanup(enc.Stop)

	return enc
}

func TestTextEncoder(t *testing.T) {
	enc := newTestEncoder(t)
	ctx := context.Background()

	t.Run("Encode", func(t *testing.T) {
		vec, err := enc.Encode(ctx, "spacious family SUV")
		require.NoError(t, err)
		assert.Len(t, vec, 64)

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	})

	t.Run("Encode_Deterministic", func(t *testing.T) {
		a, err := enc.Encode(ctx, "fuel efficient")
		require.NoError(t, err)
		b, err := enc.Encode(ctx, "fuel efficient")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("Encode_EmptyText", func(t *testing.T) {
		vec, err := enc.Encode(ctx, "   ")
		assert.Error(t, err)
		assert.Nil(t, vec)
	})

	t.Run("TokenOverlapRaisesSimilarity", func(t *testing.T) {
		base, err := enc.Encode(ctx, "spacious interior")
		require.NoError(t, err)
		near, err := enc.Encode(ctx, "spacious cabin")
		require.NoError(t, err)
		far, err := enc.Encode(ctx, "grinding transmission noise")
		require.NoError(t, err)

		assert.Greater(t, CosineSimilarity(base, near), CosineSimilarity(base, far))
	})

	t.Run("EncodeBatch", func(t *testing.T) {
		texts := []string{"one", "two", "three", "four", "five", "six"}
		vecs, err := enc.EncodeBatch(ctx, texts)
		require.NoError(t, err)
		require.Len(t, vecs, len(texts))

		for i, vec := range vecs {
			assert.Len(t, vec, 64, "vector %d has wrong dimensions", i)
		}

		single, err := enc.Encode(ctx, "three")
		require.NoError(t, err)
		assert.Equal(t, single, vecs[2])
	})

	t.Run("EncodeBatch_Empty", func(t *testing.T) {
		vecs, err := enc.EncodeBatch(ctx, nil)
		assert.Error(t, err)
		assert.Nil(t, vecs)
	})
}
