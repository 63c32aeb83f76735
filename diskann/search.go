package diskann

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/xxxlzhxxx/knowhere/bitsetview"
	"github.com/xxxlzhxxx/knowhere/distance"
	"github.com/xxxlzhxxx/knowhere/internal/frontier"
	"github.com/xxxlzhxxx/knowhere/internal/pq"
	"github.com/xxxlzhxxx/knowhere/reader"
)

// SearchOptions carries the optional knobs of CachedBeamSearch.
type SearchOptions struct {
	// BeamWidth is the number of candidates expanded per I/O batch.
	// Zero selects DefaultBeamWidth.
	BeamWidth uint32

	// UseReorderData reranks the top candidates against the
	// full-precision reorder vectors when the index carries them.
	UseReorderData bool

	// Stats, when non-nil, receives per-query counters.
	Stats *QueryStats

	// Bitset filters ids out of the result set. Traversal may still pass
	// through filtered vertices.
	Bitset *bitsetview.View

	// FilterRatio switches to a sequential beam scan when the admitted
	// fraction of ids falls below it. Negative disables the fallback.
	FilterRatio float32

	// ForTuning marks parameter-tuning probes, which are not added to the
	// index's search counter.
	ForTuning bool
}

func (o *SearchOptions) beamWidth() uint32 {
	if o == nil || o.BeamWidth == 0 {
		return DefaultBeamWidth
	}
	return o.BeamWidth
}

// CachedBeamSearch finds the k nearest neighbors of query and writes them
// to ids and dists, best first. l is the frontier capacity (l >= k); ids
// holding fewer than k results are padded with -1. Results are
// deterministic for identical inputs and layout.
func (x *PQFlashIndex) CachedBeamSearch(ctx context.Context, query []float32, k, l uint64, ids []int64, dists []float32, opts *SearchOptions) error {
	start := time.Now()

	if x.closed.Load() {
		return ErrClosed
	}
	if err := validateSearchArgs(k, l, ids, dists, opts); err != nil {
		return err
	}

	var stats *QueryStats
	if opts != nil {
		stats = opts.Stats
	}
	stats.reset()
	x.metrics.incQueries()

	for i := uint64(0); i < k; i++ {
		ids[i] = -1
		dists[i] = 0
	}

	var bitset *bitsetview.View
	filterRatio := float32(-1)
	if opts != nil {
		bitset = opts.Bitset
		filterRatio = opts.FilterRatio
	}

	if x.shouldBruteForce(bitset, filterRatio) {
		return x.bruteForceBeamSearch(ctx, query, k, ids, dists, opts, stats, start)
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
		// Zero-norm query under Cosine: empty result, not an error.
		return nil
	}

	if err := x.runBeamSearch(ctx, sc, uint64(opts.beamWidth()), l, bitset, stats); err != nil {
		x.metrics.incQueryErrors()
		return err
	}

	// Under Cosine, rank by the emitted value (dot product divided by the
	// base norm) so order and tie-breaking follow the reported distances.
	cmp := cmpItems
	if x.metric == distance.MetricCosine {
		cmp = func(a, b frontier.Item) int {
			return cmpItems(
				frontier.Item{ID: a.ID, Dist: x.rescaleResult(a.ID, a.Dist)},
				frontier.Item{ID: b.ID, Dist: x.rescaleResult(b.ID, b.Dist)})
		}
	}
	slices.SortFunc(sc.full, cmp)

	if opts != nil && opts.UseReorderData && x.reorderDataExists {
		if err := x.refineWithReorderData(ctx, sc, int(k)); err != nil {
			x.metrics.incQueryErrors()
			return err
		}
	}

	for i := 0; i < int(k) && i < len(sc.full); i++ {
		ids[i] = int64(sc.full[i].ID)
		dists[i] = x.rescaleResult(sc.full[i].ID, sc.full[i].Dist)
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

func validateSearchArgs(k, l uint64, ids []int64, dists []float32, opts *SearchOptions) error {
	if k == 0 {
		return &InvalidArgumentError{Name: "k", Reason: "must be positive"}
	}
	if l < k {
		return &InvalidArgumentError{Name: "l", Reason: "frontier capacity below k"}
	}
	if uint64(len(ids)) < k || uint64(len(dists)) < k {
		return &InvalidArgumentError{Name: "ids", Reason: "output slices shorter than k"}
	}
	if opts != nil && opts.BeamWidth > MaxNSectorReads {
		return &InvalidArgumentError{Name: "BeamWidth", Reason: "exceeds sector scratch capacity"}
	}
	return nil
}

// shouldBruteForce applies the filter-ratio heuristic: when the admitted
// fraction of ids is below the caller's threshold, a graph walk would
// mostly expand filtered vertices and a sequential scan wins.
func (x *PQFlashIndex) shouldBruteForce(bitset *bitsetview.View, filterRatio float32) bool {
	if bitset.Empty() || filterRatio < 0 {
		return false
	}
	admitted := 1 - float64(bitset.Count())/float64(x.numPoints)
	return admitted < float64(filterRatio)
}

// runBeamSearch walks the graph with sc.query already preprocessed and
// the result set accumulating in sc.full as exact-scored items.
func (x *PQFlashIndex) runBeamSearch(ctx context.Context, sc *queryScratch, beamWidth, l uint64, bitset *bitsetview.View, stats *QueryStats) error {
	x.pqTable.PopulateChunkTable(x.metric, sc.query, sc.centered, sc.pqTable)

	maxBeam := beamWidth
	if x.layout.longNode {
		// One read spans several sectors; keep the beam inside the pad.
		if fit := uint64(MaxNSectorReads) / x.layout.nsectorsPerNode; fit < maxBeam {
			maxBeam = max(fit, 1)
		}
	}

	seed := x.bestMedoid(sc.query)
	sc.retset.Reset(int(l))
	sc.visited.Add(seed)
	seedDist := pq.ScoreOne(sc.pqTable, x.pqCodes[int(seed)*x.nChunks:(int(seed)+1)*x.nChunks], x.nChunks)
	sc.retset.Insert(seed, seedDist)
	if stats != nil {
		stats.NCmps++
	}

	// fullTop tracks the l best exact distances for the pruning margin.
	fullTop := frontier.NewTopK(int(l))
	counting := x.countVisitedNodes.Load()

	for {
		sc.sectorIdx = 0
		sc.beam = sc.beam[:0]
		sc.reqs = sc.reqs[:0]

		// Collect up to maxBeam unexpanded candidates, best first. The
		// pruning margin stops the walk once the closest unexpanded
		// approximation cannot beat the l-th exact distance.
		bestUnexpanded := sc.retset.FirstUnexpanded(0)
		if bestUnexpanded < 0 {
			break
		}
		if worst, ok := fullTop.Worst(); ok && fullTop.Full() && sc.retset.At(bestUnexpanded).Dist > worst.Dist {
			break
		}

		x.cacheMu.RLock()
		for i := bestUnexpanded; i >= 0 && len(sc.beam) < int(maxBeam); i = sc.retset.FirstUnexpanded(i + 1) {
			cand := sc.retset.At(i)
			sc.retset.MarkExpanded(i)

			if nbrs, ok := x.nhoodCache[cand.ID]; ok {
				sc.beam = append(sc.beam, beamNode{id: cand.ID, nbrs: nbrs, coords: x.coordCache[cand.ID]})
				continue
			}

			// Candidates sharing a sector share one read.
			offset := x.layout.nodeSectorOffset(cand.ID)
			var buf []byte
			for r := range sc.reqs {
				if sc.reqs[r].Offset == offset {
					buf = sc.reqs[r].Buf
					break
				}
			}
			if buf == nil {
				buf = sc.nextSector(x.layout.readLenForNode)
				sc.reqs = append(sc.reqs, reader.Request{
					Offset: offset,
					Len:    x.layout.readLenForNode,
					Buf:    buf,
				})
			}
			sc.beam = append(sc.beam, beamNode{id: cand.ID, buf: buf})
		}
		x.cacheMu.RUnlock()

		if len(sc.reqs) > 0 {
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
		}
		if stats != nil {
			stats.NHops++
			stats.NCacheHits += uint32(len(sc.beam) - len(sc.reqs))
			stats.NNodesVisited += uint32(len(sc.beam))
		}
		x.metrics.addCacheHits(len(sc.beam) - len(sc.reqs))
		x.metrics.addCacheMisses(len(sc.reqs))

		if counting {
			x.nodeVisitMu.RLock()
			for i := range sc.beam {
				atomic.AddUint32(&x.nodeVisitCounter[sc.beam[i].id], 1)
			}
			x.nodeVisitMu.RUnlock()
		}

		// Expand in collection order so results do not depend on the
		// reader's completion order.
		for i := range sc.beam {
			if err := x.expandNode(sc, &sc.beam[i], bitset, fullTop, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandNode scores the exact distance of one expanded candidate and
// admits its unvisited neighbors into the frontier with PQ distances.
func (x *PQFlashIndex) expandNode(sc *queryScratch, node *beamNode, bitset *bitsetview.View, fullTop *frontier.TopK, stats *QueryStats) error {
	nbrs := node.nbrs
	coords := node.coords
	if node.buf != nil {
		nodeBuf := x.layout.nodeSlice(node.buf, node.id)
		var err error
		nbrs, err = x.layout.parseNeighborhood(nodeBuf, x.layout.nodeSectorOffset(node.id))
		if err != nil {
			return err
		}
		if x.useDiskPQ {
			x.diskPQTable.InflateVector(x.layout.nodeCode(nodeBuf), sc.coordScratch)
			coords = sc.coordScratch
		} else {
			coords = x.layout.nodeVector(nodeBuf, int(x.dataDim))
		}
	}

	if coords != nil && x.emittable(node.id) && !bitset.IsSet(node.id) {
		exact := x.distFn(sc.query, coords)
		sc.full = append(sc.full, frontier.Item{ID: node.id, Dist: exact})
		fullTop.Push(frontier.Item{ID: node.id, Dist: exact})
	}

	sc.idScratch = sc.idScratch[:0]
	for _, nbr := range nbrs {
		if sc.visited.Add(nbr) {
			sc.idScratch = append(sc.idScratch, nbr)
		}
	}
	if len(sc.idScratch) == 0 {
		return nil
	}

	pq.AggregateCoords(sc.idScratch, x.pqCodes, x.nChunks, sc.pqCoordScratch)
	pq.ScoreMany(sc.pqTable, sc.pqCoordScratch, x.nChunks, len(sc.idScratch), sc.distScratch)
	if stats != nil {
		stats.NCmps += uint32(len(sc.idScratch))
	}

	for i, id := range sc.idScratch {
		sc.retset.Insert(id, sc.distScratch[i])
	}
	return nil
}

func cmpItems(a, b frontier.Item) int {
	if a.Dist != b.Dist {
		if a.Dist < b.Dist {
			return -1
		}
		return 1
	}
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return 0
}
