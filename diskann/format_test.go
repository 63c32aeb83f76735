package diskann

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxlzhxxx/knowhere/internal/pq"
)

func encodeMetaSector(vals []uint64) []byte {
	buf := make([]byte, SectorLen)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(vals)))
	binary.LittleEndian.PutUint32(buf[4:], 1)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8+i*8:], v)
	}
	return buf
}

func TestParseDiskIndexMeta(t *testing.T) {
	vals := []uint64{100, 16, 3, 100, 40, 0, 0, 0, 12345}
	m, err := parseDiskIndexMeta(encodeMetaSector(vals))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), m.numPoints)
	assert.Equal(t, uint64(16), m.dataDim)
	assert.Equal(t, uint64(3), m.medoid)
	assert.Equal(t, uint64(100), m.maxNodeLen)
	assert.Equal(t, uint64(40), m.nnodesPerSector)
	assert.False(t, m.reorderDataExists)
	assert.Equal(t, uint64(12345), m.fileSize)
}

func TestParseDiskIndexMetaReorder(t *testing.T) {
	vals := []uint64{100, 16, 3, 100, 40, 0, 0, 1, 50, 16, 64, 99999}
	m, err := parseDiskIndexMeta(encodeMetaSector(vals))
	require.NoError(t, err)
	assert.True(t, m.reorderDataExists)
	assert.Equal(t, uint64(50), m.reorderStartSector)
	assert.Equal(t, uint64(16), m.reorderDims)
	assert.Equal(t, uint64(64), m.nvecsPerSector)
}

func TestParseDiskIndexMetaErrors(t *testing.T) {
	cases := [][]uint64{
		{100, 16, 3, 100, 40, 0, 0},                 // wrong count
		{0, 16, 3, 100, 40, 0, 0, 0, 1},             // zero points
		{100, 16, 200, 100, 40, 0, 0, 0, 1},         // medoid out of range
		{100, 16, 3, 100, 50, 0, 0, 0, 1},           // records straddle sectors
		{100, 16, 3, 100, 0, 0, 0, 0, 1},            // short record, long-node flag
		{100, 16, 3, 100, 40, 0, 0, 1, 1},           // reorder flag without fields
	}
	for i, vals := range cases {
		_, err := parseDiskIndexMeta(encodeMetaSector(vals))
		assert.ErrorIs(t, err, ErrFormatMismatch, "case %d", i)
	}
}

func TestReadFloatBinMissing(t *testing.T) {
	_, _, _, err := readFloatBin(filepath.Join(t.TempDir(), "nope.bin"))
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestReadFloatBinTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	// Header claims 100x100 floats but the payload holds only four.
	writeFloatBinFile(t, path, 100, 100, []float32{1, 2, 3, 4})

	_, _, _, err := readFloatBin(path)
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestPivotsFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pivots.bin")

	dim := 4
	pivots := make([]float32, pq.NumCentroids*dim)
	for i := range pivots {
		pivots[i] = float32(i % 17)
	}
	centroid := []float32{1, 2, 3, 4}
	chunkOffsets := []uint32{0, 2, 4}

	writePivotsFileForTest(t, path, dim, pivots, centroid, chunkOffsets)

	gotPivots, gotCentroid, gotOffsets, err := readPivotsFile(path)
	require.NoError(t, err)
	assert.Equal(t, pivots, gotPivots)
	assert.Equal(t, centroid, gotCentroid)
	assert.Equal(t, chunkOffsets, gotOffsets)

	tbl, err := pq.NewFixedChunkPQTable(dim, gotPivots, gotCentroid, gotOffsets)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.NumChunks())
}

func TestReadByteBin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.bin")
	writeByteBinFile(t, path, 3, 2, []byte{1, 2, 3, 4, 5, 6})

	codes, rows, cols, err := readByteBin(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, codes)
}
