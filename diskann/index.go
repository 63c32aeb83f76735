// Package diskann implements a disk-resident approximate nearest neighbor
// engine over a Vamana-style proximity graph. Vertex adjacency lists and
// full-precision vectors live on disk in fixed 4K sectors; a product
// quantized compression of every vector stays resident in memory and
// prices the graph walk, while the full-precision vectors read along the
// way provide exact scores for the final result set.
package diskann

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xxxlzhxxx/knowhere/distance"
	"github.com/xxxlzhxxx/knowhere/internal/pq"
	"github.com/xxxlzhxxx/knowhere/reader"
)

const (
	// DefaultBeamWidth is used when SearchOptions leaves BeamWidth zero.
	DefaultBeamWidth = 4

	// sectorLRUSize bounds the id → sector-offset cache that serves
	// GetVectorByIDs for ids outside the coord cache.
	sectorLRUSize = 200000
)

// PQFlashIndex is the disk-resident index. All loaded state is immutable
// after Load; the caches are written only by warm-up under cacheMu and the
// sector LRU is the only mutable structure on the search path. Queries may
// run concurrently up to the numThreads given at load.
type PQFlashIndex struct {
	rdr    reader.AlignedReader
	metric distance.Metric
	distFn distance.Func

	layout sectorLayout

	numPoints       uint64
	dataDim         uint64
	numFrozenPoints uint64
	frozenLocation  uint64

	reorderDataExists  bool
	reorderDims        uint64
	reorderStartSector uint64
	reorderNvecs       uint64

	pqCodes []byte
	nChunks int
	pqTable *pq.FixedChunkPQTable

	useDiskPQ     bool
	diskPQNChunks int
	diskPQTable   *pq.FixedChunkPQTable

	medoids      []uint32
	centroidData []float32

	baseNorms   []float32
	maxBaseNorm float32

	cacheMu    sync.RWMutex
	nhoodCache map[uint32][]uint32
	coordCache map[uint32][]float32

	sectorLRU *lru.Cache[uint32, uint64]

	scratch    *scratchPool
	maxThreads int

	nodeVisitMu       sync.RWMutex
	nodeVisitCounter  []uint32
	countVisitedNodes atomic.Bool
	searchCounter     atomic.Uint32

	stateCtl *stateController

	logger  *slog.Logger
	metrics *Metrics
	closed  atomic.Bool
}

// Option configures a PQFlashIndex at load time.
type Option func(*PQFlashIndex)

// WithLogger sets the structured logger. Defaults to a discard handler.
func WithLogger(l *slog.Logger) Option {
	return func(x *PQFlashIndex) { x.logger = l }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(x *PQFlashIndex) { x.metrics = m }
}

// WithReader substitutes the aligned reader for the disk index file.
// When unset, a LocalReader over <prefix>_disk.index is opened.
func WithReader(r reader.AlignedReader) Option {
	return func(x *PQFlashIndex) { x.rdr = r }
}

// Load opens the index files under indexPrefix and builds a ready index.
// numThreads sizes the scratch pool and bounds concurrent queries. On
// error no partial state is retained.
func Load(ctx context.Context, numThreads int, indexPrefix string, metric distance.Metric, opts ...Option) (*PQFlashIndex, error) {
	if numThreads < 1 {
		return nil, &InvalidArgumentError{Name: "numThreads", Reason: "must be at least 1"}
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMetric, metric)
	}

	x := &PQFlashIndex{
		metric:     metric,
		maxThreads: numThreads,
		nhoodCache: make(map[uint32][]uint32),
		coordCache: make(map[uint32][]float32),
		stateCtl:   newStateController(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(x)
	}

	distFn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	x.distFn = distFn

	if x.rdr == nil {
		r, err := reader.NewLocal(indexPrefix + diskIndexSuffix)
		if err != nil {
			return nil, fmt.Errorf("%w: %s%s", ErrMissingFile, indexPrefix, diskIndexSuffix)
		}
		x.rdr = r
	}

	if err := x.load(ctx, indexPrefix); err != nil {
		x.rdr.Close()
		return nil, err
	}

	x.scratch, err = newScratchPool(numThreads, int(x.dataDim), x.nChunks, x.rdr)
	if err != nil {
		x.rdr.Close()
		return nil, err
	}

	x.sectorLRU, err = lru.New[uint32, uint64](sectorLRUSize)
	if err != nil {
		x.rdr.Close()
		return nil, err
	}

	x.nodeVisitCounter = make([]uint32, x.numPoints)

	x.logger.Info("disk index loaded",
		"prefix", indexPrefix,
		"points", x.numPoints,
		"dim", x.dataDim,
		"chunks", x.nChunks,
		"medoids", len(x.medoids),
		"metric", metric.String(),
		"long_node", x.layout.longNode,
	)
	return x, nil
}

func (x *PQFlashIndex) load(ctx context.Context, prefix string) error {
	// Metadata sector.
	ioc, err := x.rdr.RegisterThread()
	if err != nil {
		return err
	}
	defer x.rdr.DeregisterThread(ioc)

	metaBuf := make([]byte, SectorLen)
	if err := x.rdr.Read(ctx, ioc, []reader.Request{{Offset: 0, Len: SectorLen, Buf: metaBuf}}); err != nil {
		return &IOError{cause: err}
	}
	meta, err := parseDiskIndexMeta(metaBuf)
	if err != nil {
		return err
	}

	x.numPoints = meta.numPoints
	x.dataDim = meta.dataDim
	x.numFrozenPoints = meta.numFrozenPoints
	x.frozenLocation = meta.frozenLocation
	x.reorderDataExists = meta.reorderDataExists
	x.reorderDims = meta.reorderDims
	x.reorderStartSector = meta.reorderStartSector
	x.reorderNvecs = meta.nvecsPerSector

	// Compressed codes and pivot table.
	codes, npts, nChunks, err := readByteBin(prefix + pqCompressedSuffix)
	if err != nil {
		return err
	}
	if uint64(npts) != x.numPoints {
		return fmt.Errorf("%w: pq codes hold %d points, index holds %d", ErrFormatMismatch, npts, x.numPoints)
	}
	x.pqCodes = codes
	x.nChunks = nChunks

	pivots, centroid, chunkOffsets, err := readPivotsFile(prefix + pqPivotsSuffix)
	if err != nil {
		return err
	}
	x.pqTable, err = pq.NewFixedChunkPQTable(int(x.dataDim), pivots, centroid, chunkOffsets)
	if err != nil {
		return err
	}
	if x.pqTable.NumChunks() != nChunks {
		return fmt.Errorf("%w: pivot table has %d chunks, codes have %d", ErrFormatMismatch, x.pqTable.NumChunks(), nChunks)
	}

	// Optional on-disk PQ for very high dimensional data.
	bytesPerPoint := x.dataDim * 4
	if _, statErr := os.Stat(prefix + diskPQPivotsSuffix); statErr == nil {
		dPivots, dCentroid, dChunkOffsets, err := readPivotsFile(prefix + diskPQPivotsSuffix)
		if err != nil {
			return err
		}
		x.diskPQTable, err = pq.NewFixedChunkPQTable(int(x.dataDim), dPivots, dCentroid, dChunkOffsets)
		if err != nil {
			return err
		}
		x.useDiskPQ = true
		x.diskPQNChunks = x.diskPQTable.NumChunks()
		bytesPerPoint = uint64(x.diskPQNChunks)
	}

	x.layout = newSectorLayout(x.numPoints, meta.maxNodeLen, meta.nnodesPerSector, bytesPerPoint)
	if meta.maxNodeLen < bytesPerPoint+4 {
		return fmt.Errorf("%w: node length %d too small for %d vector bytes", ErrFormatMismatch, meta.maxNodeLen, bytesPerPoint)
	}
	if x.layout.maxDegree() > MaxGraphDegree {
		return fmt.Errorf("%w: max degree %d exceeds %d", ErrFormatMismatch, x.layout.maxDegree(), MaxGraphDegree)
	}

	// Entry points. A medoid list file overrides the single metadata
	// medoid; centroid data is loaded alongside, or synthesized from the
	// medoids' own on-disk vectors when absent.
	x.medoids = []uint32{uint32(meta.medoid)}
	if _, statErr := os.Stat(prefix + medoidsSuffix); statErr == nil {
		ids, rows, _, err := readUint32Bin(prefix + medoidsSuffix)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: empty medoid list", ErrFormatMismatch)
		}
		x.medoids = ids
		for _, m := range x.medoids {
			if uint64(m) >= x.numPoints {
				return fmt.Errorf("%w: medoid out of range", ErrFormatMismatch)
			}
		}
	}
	if len(x.medoids) > 1 {
		if _, statErr := os.Stat(prefix + centroidsSuffix); statErr == nil {
			cents, rows, cols, err := readFloatBin(prefix + centroidsSuffix)
			if err != nil {
				return err
			}
			if rows != len(x.medoids) || uint64(cols) != x.dataDim {
				return fmt.Errorf("%w: centroid data is %dx%d, want %dx%d", ErrFormatMismatch, rows, cols, len(x.medoids), x.dataDim)
			}
			x.centroidData = cents
		} else if err := x.useMedoidsDataAsCentroids(ctx, ioc); err != nil {
			return err
		}
	}

	// Metric-specific rescaling state.
	switch x.metric {
	case distance.MetricCosine:
		norms, rows, _, err := readFloatBin(prefix + sampleNormsSuffix)
		if err != nil {
			return err
		}
		if uint64(rows) != x.numPoints {
			return fmt.Errorf("%w: base norms hold %d points, index holds %d", ErrFormatMismatch, rows, x.numPoints)
		}
		x.baseNorms = norms
	case distance.MetricInnerProduct:
		x.maxBaseNorm = 1
		if _, statErr := os.Stat(prefix + maxBaseNormSuffix); statErr == nil {
			vals, _, _, err := readFloatBin(prefix + maxBaseNormSuffix)
			if err != nil {
				return err
			}
			if len(vals) > 0 {
				x.maxBaseNorm = vals[0]
			}
		} else {
			x.logger.Debug("max base norm file absent, inner product uses scale 1")
		}
		if x.maxBaseNorm <= 0 {
			return fmt.Errorf("%w: non-positive max base norm", ErrFormatMismatch)
		}
	}

	return nil
}

// useMedoidsDataAsCentroids reads the medoids' full-precision vectors from
// disk to serve as centroid data for entry point selection.
func (x *PQFlashIndex) useMedoidsDataAsCentroids(ctx context.Context, ioc *reader.IOContext) error {
	dim := int(x.dataDim)
	x.centroidData = make([]float32, len(x.medoids)*dim)
	return x.readNodes(ctx, ioc, x.medoids, func(i int, id uint32, nodeBuf []byte) error {
		dst := x.centroidData[i*dim : (i+1)*dim]
		return x.decodeNodeVector(nodeBuf, dst)
	})
}

// decodeNodeVector materializes the full-precision vector of one node
// record, inflating on-disk PQ codes when enabled.
func (x *PQFlashIndex) decodeNodeVector(nodeBuf []byte, out []float32) error {
	if x.useDiskPQ {
		x.diskPQTable.InflateVector(x.layout.nodeCode(nodeBuf), out)
		return nil
	}
	copy(out, x.layout.nodeVector(nodeBuf, int(x.dataDim)))
	return nil
}

// readNodes fetches arbitrary node records with direct batched sector
// reads, invoking fn on each record region. Off the query path; buffers
// are allocated per call.
func (x *PQFlashIndex) readNodes(ctx context.Context, ioc *reader.IOContext, ids []uint32, fn func(i int, id uint32, nodeBuf []byte) error) error {
	const batch = MaxNSectorReads
	buf := make([]byte, batch*int(x.layout.readLenForNode))

	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		reqs := make([]reader.Request, 0, end-start)
		for i, id := range ids[start:end] {
			slot := buf[i*int(x.layout.readLenForNode) : (i+1)*int(x.layout.readLenForNode)]
			reqs = append(reqs, reader.Request{
				Offset: x.layout.nodeSectorOffset(id),
				Len:    x.layout.readLenForNode,
				Buf:    slot,
			})
		}
		if err := x.rdr.Read(ctx, ioc, reqs); err != nil {
			return &IOError{cause: err}
		}
		for i, id := range ids[start:end] {
			slot := buf[i*int(x.layout.readLenForNode) : (i+1)*int(x.layout.readLenForNode)]
			if err := fn(start+i, id, x.layout.nodeSlice(slot, id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// preprocessQuery writes the metric-transformed query into out.
// Returns false for a zero-norm query under Cosine, which yields an empty
// result rather than an error.
func (x *PQFlashIndex) preprocessQuery(query, out []float32) (bool, error) {
	if uint64(len(query)) != x.dataDim {
		return false, &InvalidArgumentError{
			Name:   "query",
			Reason: fmt.Sprintf("dimension %d, index dimension %d", len(query), x.dataDim),
		}
	}
	copy(out, query)
	switch x.metric {
	case distance.MetricCosine:
		// Negate after normalizing so dot products order min-first.
		if !distance.NormalizeL2InPlace(out) {
			return false, nil
		}
		distance.ScaleInPlace(out, -1)
	case distance.MetricInnerProduct:
		distance.ScaleInPlace(out, -1/x.maxBaseNorm)
	}
	return true, nil
}

// bestMedoid picks the entry point: the single medoid, or the one whose
// centroid is closest to the preprocessed query by exact distance.
func (x *PQFlashIndex) bestMedoid(query []float32) uint32 {
	if len(x.medoids) == 1 || x.centroidData == nil {
		return x.medoids[0]
	}
	dim := int(x.dataDim)
	best := 0
	bestDist := x.distFn(query, x.centroidData[:dim])
	for m := 1; m < len(x.medoids); m++ {
		d := x.distFn(query, x.centroidData[m*dim:(m+1)*dim])
		if d < bestDist {
			best, bestDist = m, d
		}
	}
	return x.medoids[best]
}

// rescaleResult converts an internal min-first distance into the caller
// visible value for the metric.
func (x *PQFlashIndex) rescaleResult(id uint32, d float32) float32 {
	switch x.metric {
	case distance.MetricCosine:
		if n := x.baseNorms[id]; n != 0 {
			return d / n
		}
		return d
	case distance.MetricInnerProduct:
		return -d * x.maxBaseNorm
	default:
		return d
	}
}

// emittable reports whether id may appear in results.
func (x *PQFlashIndex) emittable(id uint32) bool {
	return x.numFrozenPoints == 0 || uint64(id) != x.frozenLocation
}

// NumPoints returns the number of indexed points.
func (x *PQFlashIndex) NumPoints() uint64 { return x.numPoints }

// DataDim returns the vector dimensionality.
func (x *PQFlashIndex) DataDim() uint64 { return x.dataDim }

// MaxDegree returns the graph's maximum vertex degree.
func (x *PQFlashIndex) MaxDegree() uint64 { return x.layout.maxDegree() }

// Medoids returns the graph entry points.
func (x *PQFlashIndex) Medoids() []uint32 { return x.medoids }

// NumMedoids returns the number of entry points.
func (x *PQFlashIndex) NumMedoids() int { return len(x.medoids) }

// Metric returns the configured distance metric.
func (x *PQFlashIndex) Metric() distance.Metric { return x.metric }

// CalSize estimates resident memory in bytes.
func (x *PQFlashIndex) CalSize() uint64 {
	size := uint64(len(x.pqCodes))
	size += uint64(x.pqTable.TableLen()) * 4
	size += uint64(len(x.medoids)) * 4
	size += uint64(len(x.centroidData)) * 4
	size += uint64(len(x.baseNorms)) * 4
	size += uint64(len(x.nodeVisitCounter)) * 4
	size += uint64(x.maxThreads) * uint64(MaxNSectorReads*SectorLen)

	x.cacheMu.RLock()
	for _, nbrs := range x.nhoodCache {
		size += uint64(len(nbrs))*4 + 8
	}
	for _, coords := range x.coordCache {
		size += uint64(len(coords))*4 + 8
	}
	x.cacheMu.RUnlock()
	return size
}

// Close tears the index down: any in-flight warm-up task is joined first,
// then scratch contexts are deregistered and the reader closed.
func (x *PQFlashIndex) Close() error {
	if x.closed.Swap(true) {
		return nil
	}
	x.DestroyCacheAsyncTask()
	x.scratch.drain(x.rdr)
	return x.rdr.Close()
}
