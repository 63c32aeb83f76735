package diskann

import (
	"encoding/binary"
	"unsafe"
)

const (
	// MaxGraphDegree bounds the neighbor count of any vertex.
	MaxGraphDegree = 512

	// SectorLen is the fixed disk block size; all reads are multiples of it.
	SectorLen = 4096

	// MaxNSectorReads bounds the sectors staged in one scratch bundle;
	// beams never exceed it.
	MaxNSectorReads = 128

	// FullPrecisionReorderMultiplier scales k into the candidate count
	// rescored against the reorder vectors.
	FullPrecisionReorderMultiplier = 3
)

// sectorLayout maps node ids to byte ranges of the disk index. Records of
// at most a sector pack several nodes per sector (short-node layout);
// larger records span a fixed run of contiguous sectors (long-node
// layout). Sector 0 holds metadata. Immutable after load.
type sectorLayout struct {
	maxNodeLen      uint64
	nnodesPerSector uint64 // 0 in the long-node layout
	longNode        bool
	nsectorsPerNode uint64
	readLenForNode  uint64
	numPoints       uint64
	bytesPerPoint   uint64 // on-disk vector bytes preceding the adjacency list
}

func newSectorLayout(numPoints, maxNodeLen, nnodesPerSector, bytesPerPoint uint64) sectorLayout {
	l := sectorLayout{
		maxNodeLen:      maxNodeLen,
		nnodesPerSector: nnodesPerSector,
		numPoints:       numPoints,
		bytesPerPoint:   bytesPerPoint,
		readLenForNode:  SectorLen,
	}
	if nnodesPerSector == 0 {
		l.longNode = true
		l.nsectorsPerNode = (maxNodeLen + SectorLen - 1) / SectorLen
		l.readLenForNode = l.nsectorsPerNode * SectorLen
	}
	return l
}

// nodeSectorOffset returns the byte offset of the sector run holding id.
func (l *sectorLayout) nodeSectorOffset(id uint32) uint64 {
	if l.longNode {
		return (uint64(id)*l.nsectorsPerNode + 1) * SectorLen
	}
	return (uint64(id)/l.nnodesPerSector + 1) * SectorLen
}

// nodeSlice returns the record region of id within its sector buffer.
func (l *sectorLayout) nodeSlice(sectorBuf []byte, id uint32) []byte {
	if l.longNode {
		return sectorBuf[:l.maxNodeLen]
	}
	off := (uint64(id) % l.nnodesPerSector) * l.maxNodeLen
	return sectorBuf[off : off+l.maxNodeLen]
}

// maxDegree derives the per-node neighbor capacity from the record size.
func (l *sectorLayout) maxDegree() uint64 {
	return (l.maxNodeLen - l.bytesPerPoint - 4) / 4
}

// parseNeighborhood extracts the adjacency list of a node record. The
// caller supplies the record's sector offset for error reporting.
func (l *sectorLayout) parseNeighborhood(nodeBuf []byte, sectorOffset uint64) ([]uint32, error) {
	nnbrs := binary.LittleEndian.Uint32(nodeBuf[l.bytesPerPoint:])
	if uint64(nnbrs) > l.maxDegree() || nnbrs > MaxGraphDegree {
		return nil, &CorruptIndexError{
			SectorOffset: sectorOffset,
			Reason:       "neighbor count exceeds max degree",
		}
	}
	if nnbrs == 0 {
		return nil, nil
	}
	raw := nodeBuf[l.bytesPerPoint+4:]
	var nbrs []uint32
	if uintptr(unsafe.Pointer(&raw[0]))%4 == 0 {
		nbrs = bytesToUint32s(raw)[:nnbrs]
	} else {
		// Disk-PQ records need not align the adjacency list.
		nbrs = make([]uint32, nnbrs)
		for i := range nbrs {
			nbrs[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
	}
	for _, nbr := range nbrs {
		if uint64(nbr) >= l.numPoints {
			return nil, &CorruptIndexError{
				SectorOffset: sectorOffset,
				Reason:       "neighbor id out of range",
			}
		}
	}
	return nbrs, nil
}

// nodeVector returns the full-precision vector region of a node record.
// With disk PQ enabled the region holds code bytes instead; use nodeCode.
func (l *sectorLayout) nodeVector(nodeBuf []byte, dim int) []float32 {
	return bytesToFloat32s(nodeBuf[:l.bytesPerPoint])[:dim]
}

// nodeCode returns the on-disk PQ code region of a node record.
func (l *sectorLayout) nodeCode(nodeBuf []byte) []byte {
	return nodeBuf[:l.bytesPerPoint]
}

// bytesToFloat32s reinterprets b as little-endian float32s. Buffers
// originate from make([]byte, ...) and record offsets are 4-byte
// multiples, so alignment holds.
func bytesToFloat32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// bytesToUint32s reinterprets b as little-endian uint32s.
func bytesToUint32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}
