package diskann

import (
	"context"
	"slices"

	"github.com/xxxlzhxxx/knowhere/reader"
)

// reorderSectorOffset locates the sector holding id's reorder vector.
func (x *PQFlashIndex) reorderSectorOffset(id uint32) uint64 {
	return (x.reorderStartSector + uint64(id)/x.reorderNvecs) * SectorLen
}

// refineWithReorderData rescores the best FullPrecisionReorderMultiplier*k
// candidates of sc.full against the reorder-region vectors and re-sorts
// that prefix. sc.full must already be sorted.
func (x *PQFlashIndex) refineWithReorderData(ctx context.Context, sc *queryScratch, k int) error {
	n := min(FullPrecisionReorderMultiplier*k, len(sc.full))
	if n == 0 {
		return nil
	}

	// Group candidates by reorder sector; one read per distinct sector.
	sectors := make(map[uint64][]int, n)
	order := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		off := x.reorderSectorOffset(sc.full[i].ID)
		if _, ok := sectors[off]; !ok {
			order = append(order, off)
		}
		sectors[off] = append(sectors[off], i)
	}

	bufs := make(map[uint64][]byte, len(order))
	for start := 0; start < len(order); start += MaxNSectorReads {
		end := min(start+MaxNSectorReads, len(order))
		reqs := make([]reader.Request, 0, end-start)
		for _, off := range order[start:end] {
			buf := make([]byte, SectorLen)
			bufs[off] = buf
			reqs = append(reqs, reader.Request{Offset: off, Len: SectorLen, Buf: buf})
		}
		if err := x.rdr.Read(ctx, sc.ioc, reqs); err != nil {
			return &IOError{cause: err}
		}
	}

	for off, idxs := range sectors {
		buf := bufs[off]
		for _, i := range idxs {
			id := sc.full[i].ID
			vecOff := (uint64(id) % x.reorderNvecs) * x.reorderDims * 4
			vec := bytesToFloat32s(buf[vecOff : vecOff+x.reorderDims*4])[:x.reorderDims]
			sc.full[i].Dist = x.distFn(sc.query, vec)
		}
	}

	slices.SortFunc(sc.full[:n], cmpItems)
	return nil
}
