package diskann

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxlzhxxx/knowhere/distance"
	"github.com/xxxlzhxxx/knowhere/internal/pq"
)

// fixtureOpts tweaks the on-disk index a test writes.
type fixtureOpts struct {
	metric      distance.Metric
	reorder     bool
	diskPQ      bool     // store PQ codes instead of raw vectors on disk
	medoids     []uint32 // extra entry points; writes medoid + centroid files
	maxBaseNorm float32  // inner product scale; 0 leaves the file out
}

// writeFixtureIndex builds a complete index on disk: the sector-packed
// graph file, a lossless PQ (one chunk per dimension, pivots holding the
// exact coordinate values), and the metric side files. Returns the prefix.
func writeFixtureIndex(t *testing.T, vectors [][]float32, graph [][]uint32, medoid uint32, o fixtureOpts) string {
	t.Helper()
	dir := t.TempDir()
	prefix := filepath.Join(dir, "idx")

	n := len(vectors)
	dim := len(vectors[0])

	codes, pivots, centroid, chunkOffsets := computeExactPQ(t, vectors)

	maxDeg := 0
	for _, nbrs := range graph {
		maxDeg = max(maxDeg, len(nbrs))
	}
	bytesPerPoint := dim * 4
	if o.diskPQ {
		bytesPerPoint = dim // one byte per chunk, one chunk per dimension
	}
	maxNodeLen := uint64(bytesPerPoint + 4 + 4*maxDeg)
	nnodesPerSector := uint64(SectorLen) / maxNodeLen

	var nDataSectors uint64
	if nnodesPerSector > 0 {
		nDataSectors = (uint64(n) + nnodesPerSector - 1) / nnodesPerSector
	} else {
		perNode := (maxNodeLen + SectorLen - 1) / SectorLen
		nDataSectors = uint64(n) * perNode
	}

	reorderStartSector := 1 + nDataSectors
	reorderNvecs := uint64(SectorLen / (dim * 4))
	var nReorderSectors uint64
	if o.reorder {
		nReorderSectors = (uint64(n) + reorderNvecs - 1) / reorderNvecs
	}

	fileSize := (1 + nDataSectors + nReorderSectors) * SectorLen
	buf := make([]byte, fileSize)

	// Sector 0: metadata as a u64 bin.
	metaVals := []uint64{uint64(n), uint64(dim), uint64(medoid), maxNodeLen, nnodesPerSector, 0, 0, 0}
	if o.reorder {
		metaVals[7] = 1
		metaVals = append(metaVals, reorderStartSector, uint64(dim), reorderNvecs)
	}
	metaVals = append(metaVals, fileSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(metaVals)))
	binary.LittleEndian.PutUint32(buf[4:], 1)
	for i, v := range metaVals {
		binary.LittleEndian.PutUint64(buf[8+i*8:], v)
	}

	// Node records.
	writeNode := func(dst []byte, id int) {
		off := 0
		if o.diskPQ {
			copy(dst, codes[id*dim:(id+1)*dim])
			off = dim
		} else {
			for _, v := range vectors[id] {
				binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(v))
				off += 4
			}
		}
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(graph[id])))
		off += 4
		for _, nbr := range graph[id] {
			binary.LittleEndian.PutUint32(dst[off:], nbr)
			off += 4
		}
	}
	for id := 0; id < n; id++ {
		var sectorIdx, inSectorOff uint64
		if nnodesPerSector > 0 {
			sectorIdx = 1 + uint64(id)/nnodesPerSector
			inSectorOff = (uint64(id) % nnodesPerSector) * maxNodeLen
		} else {
			perNode := (maxNodeLen + SectorLen - 1) / SectorLen
			sectorIdx = 1 + uint64(id)*perNode
		}
		writeNode(buf[sectorIdx*SectorLen+inSectorOff:], id)
	}

	// Reorder region: raw full-precision vectors.
	if o.reorder {
		for id := 0; id < n; id++ {
			sectorIdx := reorderStartSector + uint64(id)/reorderNvecs
			off := sectorIdx*SectorLen + (uint64(id)%reorderNvecs)*uint64(dim)*4
			for _, v := range vectors[id] {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
				off += 4
			}
		}
	}

	require.NoError(t, os.WriteFile(prefix+diskIndexSuffix, buf, 0o644))

	writeByteBinFile(t, prefix+pqCompressedSuffix, n, dim, codes)
	writePivotsFileForTest(t, prefix+pqPivotsSuffix, dim, pivots, centroid, chunkOffsets)
	if o.diskPQ {
		writePivotsFileForTest(t, prefix+diskPQPivotsSuffix, dim, pivots, centroid, chunkOffsets)
	}

	if o.metric == distance.MetricCosine {
		norms := make([]float32, n)
		for i, v := range vectors {
			norms[i] = distance.Norm(v)
		}
		writeFloatBinFile(t, prefix+sampleNormsSuffix, n, 1, norms)
	}
	if o.metric == distance.MetricInnerProduct && o.maxBaseNorm > 0 {
		writeFloatBinFile(t, prefix+maxBaseNormSuffix, 1, 1, []float32{o.maxBaseNorm})
	}

	if len(o.medoids) > 0 {
		writeU32BinFile(t, prefix+medoidsSuffix, len(o.medoids), 1, o.medoids)
		cents := make([]float32, 0, len(o.medoids)*dim)
		for _, m := range o.medoids {
			cents = append(cents, vectors[m]...)
		}
		writeFloatBinFile(t, prefix+centroidsSuffix, len(o.medoids), dim, cents)
	}

	return prefix
}

// computeExactPQ builds a lossless product quantization: one chunk per
// dimension, each pivot row holding actual coordinate values, so PQ
// distances equal exact distances. Requires <= 256 distinct values per
// dimension.
func computeExactPQ(t *testing.T, vectors [][]float32) (codes []byte, pivots, centroid []float32, chunkOffsets []uint32) {
	t.Helper()
	n := len(vectors)
	dim := len(vectors[0])

	vals := make([][]float32, dim)
	valIdx := make([]map[float32]int, dim)
	for c := 0; c < dim; c++ {
		valIdx[c] = make(map[float32]int)
	}
	codes = make([]byte, n*dim)
	for p, vec := range vectors {
		for c, v := range vec {
			idx, ok := valIdx[c][v]
			if !ok {
				idx = len(vals[c])
				require.Less(t, idx, pq.NumCentroids, "too many distinct values for exact PQ")
				valIdx[c][v] = idx
				vals[c] = append(vals[c], v)
			}
			codes[p*dim+c] = byte(idx)
		}
	}

	pivots = make([]float32, pq.NumCentroids*dim)
	for k := 0; k < pq.NumCentroids; k++ {
		for c := 0; c < dim; c++ {
			pivots[k*dim+c] = vals[c][min(k, len(vals[c])-1)]
		}
	}
	centroid = make([]float32, dim)
	chunkOffsets = make([]uint32, dim+1)
	for c := 0; c <= dim; c++ {
		chunkOffsets[c] = uint32(c)
	}
	return codes, pivots, centroid, chunkOffsets
}

func binFileHeader(rows, cols int) []byte {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(rows))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(cols))
	return hdr
}

func writeFloatBinFile(t *testing.T, path string, rows, cols int, vals []float32) {
	t.Helper()
	buf := binFileHeader(rows, cols)
	for _, v := range vals {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf = append(buf, b[:]...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func writeByteBinFile(t *testing.T, path string, rows, cols int, vals []byte) {
	t.Helper()
	buf := append(binFileHeader(rows, cols), vals...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func writeU32BinFile(t *testing.T, path string, rows, cols int, vals []uint32) {
	t.Helper()
	buf := binFileHeader(rows, cols)
	for _, v := range vals {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func writePivotsFileForTest(t *testing.T, path string, dim int, pivots, centroid []float32, chunkOffsets []uint32) {
	t.Helper()
	sections := make([][]byte, 3)

	buf := binFileHeader(pq.NumCentroids, dim)
	for _, v := range pivots {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf = append(buf, b[:]...)
	}
	sections[0] = buf

	buf = binFileHeader(dim, 1)
	for _, v := range centroid {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf = append(buf, b[:]...)
	}
	sections[1] = buf

	buf = binFileHeader(len(chunkOffsets), 1)
	for _, v := range chunkOffsets {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	sections[2] = buf

	out := make([]byte, 4+3*8)
	binary.LittleEndian.PutUint32(out[0:], 3)
	off := uint64(len(out))
	for i, s := range sections {
		binary.LittleEndian.PutUint64(out[4+i*8:], off)
		off += uint64(len(s))
	}
	for _, s := range sections {
		out = append(out, s...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func removeFile(path string) error {
	return os.Remove(path)
}

// corruptNodeNeighborCount patches the stored neighbor count of one node
// to an out-of-bounds value.
func corruptNodeNeighborCount(t *testing.T, prefix string, id uint32, bad uint32) {
	t.Helper()
	path := prefix + diskIndexSuffix
	buf, err := os.ReadFile(path)
	require.NoError(t, err)

	meta, err := parseDiskIndexMeta(buf[:SectorLen])
	require.NoError(t, err)

	var off uint64
	if meta.nnodesPerSector > 0 {
		sector := 1 + uint64(id)/meta.nnodesPerSector
		off = sector*SectorLen + (uint64(id)%meta.nnodesPerSector)*meta.maxNodeLen
	} else {
		perNode := (meta.maxNodeLen + SectorLen - 1) / SectorLen
		off = (1 + uint64(id)*perNode) * SectorLen
	}
	off += meta.dataDim * 4 // skip the vector
	binary.LittleEndian.PutUint32(buf[off:], bad)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

// fullyConnectedGraph links every node to every other node.
func fullyConnectedGraph(n int) [][]uint32 {
	g := make([][]uint32, n)
	for i := range g {
		for j := 0; j < n; j++ {
			if j != i {
				g[i] = append(g[i], uint32(j))
			}
		}
	}
	return g
}

// ringGraph links node i to its neighbors at offsets 1 and 2 both ways.
func ringGraph(n int) [][]uint32 {
	g := make([][]uint32, n)
	for i := 0; i < n; i++ {
		for _, d := range []int{1, 2, n - 1, n - 2} {
			nbr := uint32((i + d) % n)
			if nbr != uint32(i) {
				g[i] = append(g[i], nbr)
			}
		}
	}
	return g
}
