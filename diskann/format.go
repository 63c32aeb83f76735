package diskann

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Index file suffixes, appended to the load-time prefix. The on-disk
// formats are fixed for interoperability with externally built indices.
const (
	diskIndexSuffix    = "_disk.index"
	pqCompressedSuffix = "_pq_compressed.bin"
	pqPivotsSuffix     = "_pq_pivots.bin"
	diskPQPivotsSuffix = "_disk_pq_pivots.bin"
	medoidsSuffix      = "_medoids.bin"
	centroidsSuffix    = "_centroids.bin"
	sampleNormsSuffix  = "_sample_norms.bin"
	maxBaseNormSuffix  = "_max_base_norm.bin"
)

// Disk index metadata lives in sector 0 as a u64 bin: a (rows, cols)
// header followed by rows values. Without reorder data the values are
//
//	npts, dim, medoid, max_node_len, nnodes_per_sector,
//	num_frozen_points, frozen_location, append_reorder_data=0, file_size
//
// and with reorder data three extra values precede file_size:
// reorder_start_sector, ndims_reorder, nvecs_per_sector.
const (
	metaValsNoReorder   = 9
	metaValsWithReorder = 12
)

type diskIndexMeta struct {
	numPoints       uint64
	dataDim         uint64
	medoid          uint64
	maxNodeLen      uint64
	nnodesPerSector uint64
	numFrozenPoints uint64
	frozenLocation  uint64

	reorderDataExists  bool
	reorderStartSector uint64
	reorderDims        uint64
	nvecsPerSector     uint64

	fileSize uint64
}

func parseDiskIndexMeta(sector []byte) (*diskIndexMeta, error) {
	if len(sector) < 8 {
		return nil, fmt.Errorf("%w: metadata sector too small", ErrFormatMismatch)
	}
	rows := binary.LittleEndian.Uint32(sector[0:])
	cols := binary.LittleEndian.Uint32(sector[4:])
	if cols != 1 || (rows != metaValsNoReorder && rows != metaValsWithReorder) {
		return nil, fmt.Errorf("%w: metadata shape %dx%d", ErrFormatMismatch, rows, cols)
	}
	if len(sector) < 8+int(rows)*8 {
		return nil, fmt.Errorf("%w: truncated metadata sector", ErrFormatMismatch)
	}

	vals := make([]uint64, rows)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(sector[8+i*8:])
	}

	m := &diskIndexMeta{
		numPoints:       vals[0],
		dataDim:         vals[1],
		medoid:          vals[2],
		maxNodeLen:      vals[3],
		nnodesPerSector: vals[4],
		numFrozenPoints: vals[5],
		frozenLocation:  vals[6],
	}
	if vals[7] != 0 {
		if rows != metaValsWithReorder {
			return nil, fmt.Errorf("%w: reorder flag set without reorder metadata", ErrFormatMismatch)
		}
		m.reorderDataExists = true
		m.reorderStartSector = vals[8]
		m.reorderDims = vals[9]
		m.nvecsPerSector = vals[10]
	}
	m.fileSize = vals[rows-1]

	if m.numPoints == 0 || m.dataDim == 0 || m.maxNodeLen == 0 {
		return nil, fmt.Errorf("%w: zero-valued metadata", ErrFormatMismatch)
	}
	if m.nnodesPerSector == 0 && m.maxNodeLen <= SectorLen {
		return nil, fmt.Errorf("%w: short record in long-node layout", ErrFormatMismatch)
	}
	if m.nnodesPerSector != 0 && m.maxNodeLen*m.nnodesPerSector > SectorLen {
		return nil, fmt.Errorf("%w: records straddle sector boundary", ErrFormatMismatch)
	}
	if m.medoid >= m.numPoints {
		return nil, fmt.Errorf("%w: medoid out of range", ErrFormatMismatch)
	}
	return m, nil
}

// binHeader reads the (rows, cols) prefix shared by all .bin files.
func binHeader(buf []byte, path string) (rows, cols int, err error) {
	if len(buf) < 8 {
		return 0, 0, fmt.Errorf("%w: %s: truncated header", ErrFormatMismatch, path)
	}
	return int(binary.LittleEndian.Uint32(buf[0:])), int(binary.LittleEndian.Uint32(buf[4:])), nil
}

func readBinFile(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return nil, fmt.Errorf("diskann: read %s: %w", path, err)
	}
	return buf, nil
}

func readFloatBin(path string) ([]float32, int, int, error) {
	buf, err := readBinFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	rows, cols, err := binHeader(buf, path)
	if err != nil {
		return nil, 0, 0, err
	}
	return decodeFloatBin(buf, rows, cols, path)
}

func decodeFloatBin(buf []byte, rows, cols int, path string) ([]float32, int, int, error) {
	n := rows * cols
	if len(buf) < 8+n*4 {
		return nil, 0, 0, fmt.Errorf("%w: %s: truncated payload", ErrFormatMismatch, path)
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[8+i*4:]))
	}
	return vals, rows, cols, nil
}

func readByteBin(path string) ([]byte, int, int, error) {
	buf, err := readBinFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	rows, cols, err := binHeader(buf, path)
	if err != nil {
		return nil, 0, 0, err
	}
	n := rows * cols
	if len(buf) < 8+n {
		return nil, 0, 0, fmt.Errorf("%w: %s: truncated payload", ErrFormatMismatch, path)
	}
	out := make([]byte, n)
	copy(out, buf[8:8+n])
	return out, rows, cols, nil
}

func readUint32Bin(path string) ([]uint32, int, int, error) {
	buf, err := readBinFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	rows, cols, err := binHeader(buf, path)
	if err != nil {
		return nil, 0, 0, err
	}
	n := rows * cols
	if len(buf) < 8+n*4 {
		return nil, 0, 0, fmt.Errorf("%w: %s: truncated payload", ErrFormatMismatch, path)
	}
	vals := make([]uint32, n)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint32(buf[8+i*4:])
	}
	return vals, rows, cols, nil
}

// A pivots file packs three bins behind an offset table:
//
//	[u32 nSections=3][u64 offsets[3]]
//	section 0: pivot matrix   (256 x dim float32)
//	section 1: centroid       (dim x 1 float32)
//	section 2: chunk offsets  ((nChunks+1) x 1 uint32)
func readPivotsFile(path string) (pivots, centroid []float32, chunkOffsets []uint32, err error) {
	buf, err := readBinFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(buf) < 4 {
		return nil, nil, nil, fmt.Errorf("%w: %s: truncated section table", ErrFormatMismatch, path)
	}
	nSections := int(binary.LittleEndian.Uint32(buf[0:]))
	if nSections != 3 {
		return nil, nil, nil, fmt.Errorf("%w: %s: %d sections", ErrFormatMismatch, path, nSections)
	}
	if len(buf) < 4+nSections*8 {
		return nil, nil, nil, fmt.Errorf("%w: %s: truncated section table", ErrFormatMismatch, path)
	}
	offsets := make([]uint64, nSections)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(buf[4+i*8:])
		if offsets[i] > uint64(len(buf)) {
			return nil, nil, nil, fmt.Errorf("%w: %s: section offset out of bounds", ErrFormatMismatch, path)
		}
	}

	section := func(i int) []byte { return buf[offsets[i]:] }

	rows, cols, err := binHeader(section(0), path)
	if err != nil {
		return nil, nil, nil, err
	}
	pivots, _, dim, err := decodeFloatBin(section(0), rows, cols, path)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, cols, err = binHeader(section(1), path)
	if err != nil {
		return nil, nil, nil, err
	}
	centroid, _, _, err = decodeFloatBin(section(1), rows, cols, path)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(centroid) != dim {
		return nil, nil, nil, fmt.Errorf("%w: %s: centroid/pivot dim mismatch", ErrFormatMismatch, path)
	}

	chunkBuf := section(2)
	rows, cols, err = binHeader(chunkBuf, path)
	if err != nil {
		return nil, nil, nil, err
	}
	n := rows * cols
	if len(chunkBuf) < 8+n*4 {
		return nil, nil, nil, fmt.Errorf("%w: %s: truncated chunk offsets", ErrFormatMismatch, path)
	}
	chunkOffsets = make([]uint32, n)
	for i := range chunkOffsets {
		chunkOffsets[i] = binary.LittleEndian.Uint32(chunkBuf[8+i*4:])
	}

	return pivots, centroid, chunkOffsets, nil
}
