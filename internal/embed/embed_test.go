package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	a, err := e.Embed(context.Background(), "how does the scheduler work")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "how does the scheduler work")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
}

func TestStaticEmbedderNormalized(t *testing.T) {
	e := NewStaticEmbedder()
	v, err := e.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedderEmptyInput(t *testing.T) {
	e := NewStaticEmbedder()
	v, err := e.Embed(context.Background(), "   \n\t ")
	require.NoError(t, err)
	assert.Len(t, v, StaticDimensions)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedderBatchOrder(t *testing.T) {
	e := NewStaticEmbedder()
	texts := []string{"alpha", "beta", "gamma"}

	batch, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, text := range texts {
		single, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i], "batch order must match input order")
	}
}

func TestStaticEmbedderSimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, _ := e.Embed(ctx, "the scheduler runs incremental reindex jobs")
	b, _ := e.Embed(ctx, "the scheduler executes incremental reindex jobs")
	c, _ := e.Embed(ctx, "citrus fruit nutrition facts and vitamins")

	assert.Greater(t, dot(a, b), dot(a, c))
}

func TestClosedEmbedderRejects(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, DefaultBatchSize, clampBatchSize(0))
	assert.Equal(t, DefaultBatchSize, clampBatchSize(-5))
	assert.Equal(t, 16, clampBatchSize(16))
	assert.Equal(t, MaxBatchSize, clampBatchSize(100000))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
