// Package pq implements the in-memory product-quantization oracle used by
// the disk index: a fixed-chunk pivot table, per-query lookup tables, and
// batched scoring of compressed codes.
package pq

import (
	"errors"
	"fmt"

	"github.com/viterin/vek/vek32"

	"github.com/xxxlzhxxx/knowhere/distance"
)

// NumCentroids is the number of pivots per chunk; codes are one byte each.
const NumCentroids = 256

var (
	// ErrChunkBounds is returned when chunk offsets are not a monotone
	// partition of the dimension range.
	ErrChunkBounds = errors.New("pq: invalid chunk offsets")
)

// FixedChunkPQTable holds the pivots shared by every query: a 256 x dim
// pivot matrix, a global centroid subtracted from the data at build time,
// and the chunk boundary offsets. Immutable after load.
type FixedChunkPQTable struct {
	dim          int
	nChunks      int
	pivots       []float32 // NumCentroids * dim, row-major by pivot
	centroid     []float32 // dim
	chunkOffsets []uint32  // nChunks + 1
}

// NewFixedChunkPQTable validates and assembles a pivot table.
func NewFixedChunkPQTable(dim int, pivots, centroid []float32, chunkOffsets []uint32) (*FixedChunkPQTable, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("pq: invalid dimension %d", dim)
	}
	if len(pivots) != NumCentroids*dim {
		return nil, fmt.Errorf("pq: pivot table size %d, want %d", len(pivots), NumCentroids*dim)
	}
	if len(centroid) != dim {
		return nil, fmt.Errorf("pq: centroid size %d, want %d", len(centroid), dim)
	}
	if len(chunkOffsets) < 2 {
		return nil, ErrChunkBounds
	}
	if chunkOffsets[0] != 0 || chunkOffsets[len(chunkOffsets)-1] != uint32(dim) {
		return nil, ErrChunkBounds
	}
	for i := 1; i < len(chunkOffsets); i++ {
		if chunkOffsets[i] <= chunkOffsets[i-1] {
			return nil, ErrChunkBounds
		}
	}
	return &FixedChunkPQTable{
		dim:          dim,
		nChunks:      len(chunkOffsets) - 1,
		pivots:       pivots,
		centroid:     centroid,
		chunkOffsets: chunkOffsets,
	}, nil
}

// Dim returns the full vector dimension.
func (t *FixedChunkPQTable) Dim() int { return t.dim }

// NumChunks returns the number of chunks M.
func (t *FixedChunkPQTable) NumChunks() int { return t.nChunks }

// TableLen returns the required length of a per-query lookup table.
func (t *FixedChunkPQTable) TableLen() int { return t.nChunks * NumCentroids }

// PopulateChunkDistances fills out with squared-L2 partial distances:
// out[c*256+k] is the squared distance from the query's chunk c slice to
// pivot k. centered is caller scratch of at least dim floats.
// The total approximate distance of a code is the sum of its per-chunk
// entries.
func (t *FixedChunkPQTable) PopulateChunkDistances(query, centered, out []float32) {
	centered = centered[:t.dim]
	vek32.Sub_Into(centered, query[:t.dim], t.centroid)

	for c := 0; c < t.nChunks; c++ {
		lo, hi := int(t.chunkOffsets[c]), int(t.chunkOffsets[c+1])
		qc := centered[lo:hi]
		row := out[c*NumCentroids : (c+1)*NumCentroids]
		for k := 0; k < NumCentroids; k++ {
			pv := t.pivots[k*t.dim+lo : k*t.dim+hi]
			d := vek32.Distance(qc, pv)
			row[k] = d * d
		}
	}
}

// PopulateChunkDotProducts fills out with dot-product partials against the
// reconstructed pivots (pivot + centroid): out[c*256+k] = <q_c, pivot_k,c
// + centroid_c>. With a negated query this yields min-first ordering for
// inner-product and cosine search.
func (t *FixedChunkPQTable) PopulateChunkDotProducts(query, out []float32) {
	for c := 0; c < t.nChunks; c++ {
		lo, hi := int(t.chunkOffsets[c]), int(t.chunkOffsets[c+1])
		qc := query[lo:hi]
		qDotCentroid := vek32.Dot(qc, t.centroid[lo:hi])
		row := out[c*NumCentroids : (c+1)*NumCentroids]
		for k := 0; k < NumCentroids; k++ {
			pv := t.pivots[k*t.dim+lo : k*t.dim+hi]
			row[k] = vek32.Dot(qc, pv) + qDotCentroid
		}
	}
}

// PopulateChunkTable dispatches on metric: L2 uses squared-L2 partials,
// InnerProduct and Cosine use dot partials on the preprocessed query.
func (t *FixedChunkPQTable) PopulateChunkTable(metric distance.Metric, query, centered, out []float32) {
	if metric == distance.MetricL2 {
		t.PopulateChunkDistances(query, centered, out)
		return
	}
	t.PopulateChunkDotProducts(query, out)
}

// InflateVector reconstructs the approximate full-precision vector of one
// code into out (len dim).
func (t *FixedChunkPQTable) InflateVector(code []byte, out []float32) {
	for c := 0; c < t.nChunks; c++ {
		lo, hi := int(t.chunkOffsets[c]), int(t.chunkOffsets[c+1])
		pv := t.pivots[int(code[c])*t.dim+lo : int(code[c])*t.dim+hi]
		for d := lo; d < hi; d++ {
			out[d] = pv[d-lo] + t.centroid[d]
		}
	}
}

// AggregateCoords gathers the codes of ids from the resident code matrix
// into a contiguous scratch block, one nChunks-byte row per id.
func AggregateCoords(ids []uint32, codes []byte, nChunks int, out []byte) {
	for i, id := range ids {
		src := codes[int(id)*nChunks : (int(id)+1)*nChunks]
		copy(out[i*nChunks:(i+1)*nChunks], src)
	}
}

// ScoreMany accumulates per-chunk lookups for n contiguous codes.
// table is a per-query lookup table (nChunks * 256), codes holds n rows of
// nChunks bytes, out receives n approximate distances. Chunk-major
// iteration keeps each 256-entry table row hot across all ids.
func ScoreMany(table []float32, codes []byte, nChunks, n int, out []float32) {
	out = out[:n]
	clear(out)
	for c := 0; c < nChunks; c++ {
		row := table[c*NumCentroids : (c+1)*NumCentroids]
		for i := 0; i < n; i++ {
			out[i] += row[codes[i*nChunks+c]]
		}
	}
}

// ScoreOne scores a single code against a per-query lookup table.
func ScoreOne(table []float32, code []byte, nChunks int) float32 {
	var sum float32
	for c := 0; c < nChunks; c++ {
		sum += table[c*NumCentroids+int(code[c])]
	}
	return sum
}
