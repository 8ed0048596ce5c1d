package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicIsReproducible(t *testing.T) {
	e := NewDeterministic(32, true)
	out1, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	out2, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Len(t, out1[0], 32)
}

func TestDeterministicRejectsEmptyBatch(t *testing.T) {
	e := NewDeterministic(8, false)
	_, err := e.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
}
