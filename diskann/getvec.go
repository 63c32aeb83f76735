package diskann

import (
	"context"
	"fmt"

	"github.com/xxxlzhxxx/knowhere/reader"
)

// GetVectorByIDs gathers the full-precision vectors of arbitrary ids into
// out, which must hold at least len(ids)*DataDim floats. Vectors come from
// the coord cache when warm, otherwise from sector reads grouped by sector
// to minimize I/O; resolved sector offsets are remembered in a small LRU
// for subsequent lookups of unpopular ids.
func (x *PQFlashIndex) GetVectorByIDs(ctx context.Context, ids []int64, out []float32) error {
	if x.closed.Load() {
		return ErrClosed
	}
	dim := int(x.dataDim)
	if len(out) < len(ids)*dim {
		return &InvalidArgumentError{Name: "out", Reason: "shorter than len(ids) * dim"}
	}
	for _, id := range ids {
		if id < 0 || uint64(id) >= x.numPoints {
			return &InvalidArgumentError{Name: "ids", Reason: fmt.Sprintf("id %d out of range", id)}
		}
	}

	// Resolve what we can from the coord cache, group the rest by sector.
	type pending struct {
		outIdx int
		id     uint32
	}
	sectors := make(map[uint64][]pending)
	order := make([]uint64, 0, len(ids))

	x.cacheMu.RLock()
	for i, id64 := range ids {
		id := uint32(id64)
		if coords, ok := x.coordCache[id]; ok {
			copy(out[i*dim:(i+1)*dim], coords)
			continue
		}
		offset, ok := x.sectorLRU.Get(id)
		if !ok {
			offset = x.layout.nodeSectorOffset(id)
			x.sectorLRU.Add(id, offset)
		}
		if _, ok := sectors[offset]; !ok {
			order = append(order, offset)
		}
		sectors[offset] = append(sectors[offset], pending{outIdx: i, id: id})
	}
	x.cacheMu.RUnlock()

	if len(order) == 0 {
		return nil
	}

	ioc, err := x.rdr.RegisterThread()
	if err != nil {
		return err
	}
	defer x.rdr.DeregisterThread(ioc)

	readLen := x.layout.readLenForNode
	for start := 0; start < len(order); start += MaxNSectorReads {
		end := min(start+MaxNSectorReads, len(order))
		batch := order[start:end]
		buf := make([]byte, len(batch)*int(readLen))
		reqs := make([]reader.Request, 0, len(batch))
		for i, offset := range batch {
			reqs = append(reqs, reader.Request{
				Offset: offset,
				Len:    readLen,
				Buf:    buf[i*int(readLen) : (i+1)*int(readLen)],
			})
		}
		if err := x.rdr.Read(ctx, ioc, reqs); err != nil {
			return &IOError{cause: err}
		}
		for i, offset := range batch {
			sectorBuf := buf[i*int(readLen) : (i+1)*int(readLen)]
			for _, p := range sectors[offset] {
				nodeBuf := x.layout.nodeSlice(sectorBuf, p.id)
				if err := x.decodeNodeVector(nodeBuf, out[p.outIdx*dim:(p.outIdx+1)*dim]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
