package diskann

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxlzhxxx/knowhere/distance"
)

func TestLoadMissingIndex(t *testing.T) {
	_, err := Load(context.Background(), 1, filepath.Join(t.TempDir(), "nope"), distance.MetricL2)
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLoadUnsupportedMetric(t *testing.T) {
	_, err := Load(context.Background(), 1, "whatever", distance.Metric(99))
	assert.ErrorIs(t, err, ErrUnsupportedMetric)
}

func TestLoadInvalidThreads(t *testing.T) {
	var invalid *InvalidArgumentError
	_, err := Load(context.Background(), 0, "whatever", distance.MetricL2)
	assert.ErrorAs(t, err, &invalid)
}

func TestLoadMissingPQFiles(t *testing.T) {
	prefix := gridFixture(t, fixtureOpts{metric: distance.MetricL2})
	require.NoError(t, removeFile(prefix+pqCompressedSuffix))

	_, err := Load(context.Background(), 1, prefix, distance.MetricL2)
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLoadMissingCosineNorms(t *testing.T) {
	// An L2 fixture lacks the norms file required under Cosine.
	prefix := gridFixture(t, fixtureOpts{metric: distance.MetricL2})
	_, err := Load(context.Background(), 1, prefix, distance.MetricCosine)
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestAccessorsAndCalSize(t *testing.T) {
	prefix := gridFixture(t, fixtureOpts{metric: distance.MetricL2})
	idx, err := Load(context.Background(), 2, prefix, distance.MetricL2,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, uint64(9), idx.NumPoints())
	assert.Equal(t, uint64(2), idx.DataDim())
	assert.Equal(t, uint64(8), idx.MaxDegree())
	assert.Equal(t, []uint32{0}, idx.Medoids())
	assert.Equal(t, distance.MetricL2, idx.Metric())
	assert.Positive(t, idx.CalSize())

	// CalSize grows with cache contents.
	before := idx.CalSize()
	require.NoError(t, idx.LoadCacheList(context.Background(), []uint32{0, 1, 2}))
	assert.Greater(t, idx.CalSize(), before)
}

func TestCloseIdempotent(t *testing.T) {
	prefix := gridFixture(t, fixtureOpts{metric: distance.MetricL2})
	idx, err := Load(context.Background(), 1, prefix, distance.MetricL2)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())
}

func TestConcurrentQueriesShareScratchPool(t *testing.T) {
	vectors := randomFixtureVectors(100, 61)
	prefix := writeFixtureIndex(t, vectors, ringGraph(100), 0, fixtureOpts{metric: distance.MetricL2})

	// One scratch bundle: concurrent queries serialize on acquisition.
	idx, err := Load(context.Background(), 1, prefix, distance.MetricL2)
	require.NoError(t, err)
	defer idx.Close()

	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			ids := make([]int64, 5)
			dists := make([]float32, 5)
			q := vectors[g*7%len(vectors)]
			errs <- idx.CachedBeamSearch(context.Background(), q, 5, 10, ids, dists, nil)
		}(g)
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-errs)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.incQueries()
	m.addSectors(3)
	m.addCacheHits(1)
	m.addCacheMisses(1)
	m.incBruteFallbacks()
	m.incQueryErrors()
	m.observeLatency(0.1)
}
