package diskann

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxlzhxxx/knowhere/distance"
)

func TestRangeSearchMatchesGroundTruth(t *testing.T) {
	const n = 100
	vectors := randomFixtureVectors(n, 21)
	prefix := writeFixtureIndex(t, vectors, fullyConnectedGraph(n), 0, fixtureOpts{metric: distance.MetricL2})
	idx, err := Load(context.Background(), 1, prefix, distance.MetricL2)
	require.NoError(t, err)
	defer idx.Close()

	query := []float32{8, 8}
	const radius = 9.0

	var want []int64
	for id, v := range vectors {
		if float64(distance.SquaredL2(query, v)) <= radius {
			want = append(want, int64(id))
		}
	}
	require.NotEmpty(t, want)
	require.Less(t, len(want), n)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	sorted := func(ids []int64) []int64 {
		out := append([]int64(nil), ids...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	// The result set is invariant to beam width and to the L schedule.
	var first []int64
	for _, cfg := range []struct {
		minL, maxL, b uint64
	}{
		{4, 128, 1},
		{8, 128, 2},
		{16, 128, 8},
	} {
		ids, dists, err := idx.RangeSearch(context.Background(), query, radius, cfg.minL, cfg.maxL, cfg.b, nil, nil)
		require.NoError(t, err)
		for i, d := range dists {
			assert.LessOrEqual(t, float64(d), radius)
			assert.InDelta(t, distance.SquaredL2(query, vectors[ids[i]]), d, 1e-4)
		}
		got := sorted(ids)
		assert.Equal(t, want, got)
		if first == nil {
			first = got
		} else {
			assert.Equal(t, first, got)
		}
	}
}

func TestRangeSearchInnerProduct(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	prefix := writeFixtureIndex(t, vectors, fullyConnectedGraph(4), 0, fixtureOpts{
		metric:      distance.MetricInnerProduct,
		maxBaseNorm: 1,
	})
	idx, err := Load(context.Background(), 1, prefix, distance.MetricInnerProduct)
	require.NoError(t, err)
	defer idx.Close()

	// Similarity >= 0.5 admits only the aligned vector.
	ids, dists, err := idx.RangeSearch(context.Background(), []float32{1, 0}, 0.5, 2, 4, 2, nil, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, int64(0), ids[0])
	assert.InDelta(t, 1.0, dists[0], 1e-5)
}

func TestRangeSearchInvalidArgs(t *testing.T) {
	prefix := gridFixture(t, fixtureOpts{metric: distance.MetricL2})
	idx, err := Load(context.Background(), 1, prefix, distance.MetricL2)
	require.NoError(t, err)
	defer idx.Close()

	var invalid *InvalidArgumentError
	_, _, err = idx.RangeSearch(context.Background(), []float32{0, 0}, 1, 0, 8, 2, nil, nil)
	assert.ErrorAs(t, err, &invalid)
	_, _, err = idx.RangeSearch(context.Background(), []float32{0, 0}, 1, 8, 4, 2, nil, nil)
	assert.ErrorAs(t, err, &invalid)
}
