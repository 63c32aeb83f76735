package diskann

import (
	"context"
	"time"

	"github.com/xxxlzhxxx/knowhere/internal/frontier"
	"github.com/xxxlzhxxx/knowhere/reader"
)

// bruteForceBeamSearch scans every admissible id sequentially, still
// batching sector reads in beams so one query does not flood the reader.
// It replaces the graph walk when a filter admits almost nothing and the
// walk would mostly expand filtered-out vertices.
func (x *PQFlashIndex) bruteForceBeamSearch(ctx context.Context, query []float32, k uint64, ids []int64, dists []float32, opts *SearchOptions, stats *QueryStats, start time.Time) error {
	x.metrics.incBruteFallbacks()
	if stats != nil {
		stats.BruteForce = true
	}

	sc, err := x.scratch.acquire(ctx)
	if err != nil {
		return err
	}
	defer x.scratch.release(sc)

	ok, err := x.preprocessQuery(query, sc.query)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	bitset := opts.Bitset
	topk := frontier.NewTopK(int(k))

	beamCap := int(opts.beamWidth())
	if x.layout.longNode {
		if fit := int(uint64(MaxNSectorReads) / x.layout.nsectorsPerNode); fit < beamCap {
			beamCap = max(fit, 1)
		}
	}

	// One request per distinct sector; ids are visited in order, so ids
	// sharing a sector land in the same request.
	batchIDs := make([][]uint32, 0, beamCap)

	flush := func() error {
		if len(sc.reqs) == 0 {
			return nil
		}
		ioStart := time.Now()
		if err := x.rdr.Read(ctx, sc.ioc, sc.reqs); err != nil {
			return &IOError{cause: err}
		}
		if stats != nil {
			stats.IOTime += time.Since(ioStart)
			stats.NIOs += uint32(len(sc.reqs))
			stats.N4K += uint32(uint64(len(sc.reqs)) * x.layout.readLenForNode / SectorLen)
		}
		x.metrics.addSectors(len(sc.reqs) * int(x.layout.readLenForNode/SectorLen))

		for r := range sc.reqs {
			for _, id := range batchIDs[r] {
				nodeBuf := x.layout.nodeSlice(sc.reqs[r].Buf, id)
				coords := sc.coordScratch
				if err := x.decodeNodeVector(nodeBuf, coords); err != nil {
					return err
				}
				topk.Push(frontier.Item{ID: id, Dist: x.distFn(sc.query, coords)})
				if stats != nil {
					stats.NCmps++
				}
			}
		}
		sc.reqs = sc.reqs[:0]
		batchIDs = batchIDs[:0]
		sc.sectorIdx = 0
		return nil
	}

	for id := uint32(0); uint64(id) < x.numPoints; id++ {
		if !x.emittable(id) || bitset.IsSet(id) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		offset := x.layout.nodeSectorOffset(id)
		if n := len(sc.reqs); n > 0 && sc.reqs[n-1].Offset == offset {
			batchIDs[n-1] = append(batchIDs[n-1], id)
			continue
		}
		if len(sc.reqs) == beamCap {
			if err := flush(); err != nil {
				return err
			}
		}
		sc.reqs = append(sc.reqs, reader.Request{
			Offset: offset,
			Len:    x.layout.readLenForNode,
			Buf:    sc.nextSector(x.layout.readLenForNode),
		})
		batchIDs = append(batchIDs, []uint32{id})
	}
	if err := flush(); err != nil {
		return err
	}

	for i, it := range topk.Sorted() {
		ids[i] = int64(it.ID)
		dists[i] = x.rescaleResult(it.ID, it.Dist)
	}

	if opts == nil || !opts.ForTuning {
		x.searchCounter.Add(1)
	}
	if stats != nil {
		stats.TotalTime = time.Since(start)
	}
	x.metrics.observeLatency(time.Since(start).Seconds())
	return nil
}
