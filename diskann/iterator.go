package diskann

import (
	"context"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/xxxlzhxxx/knowhere/bitsetview"
	"github.com/xxxlzhxxx/knowhere/internal/frontier"
	"github.com/xxxlzhxxx/knowhere/internal/pq"
	"github.com/xxxlzhxxx/knowhere/reader"
)

// iteratorAlphaGain is the extra-expansion credit accrued per emitted
// result. Whole units are spent widening the frontier ahead of the next
// batch; the fractional remainder survives batch boundaries.
const iteratorAlphaGain = 0.5

// IteratorWorkspace is the heap-allocated state of one streaming top-k
// request. Iterators do not hold a scratch bundle between calls, so the
// workspace owns its visited bitmap and per-query PQ table outright.
type IteratorWorkspace struct {
	query   []float32
	pqTable []float32

	visited *bitset.BitSet
	toVisit frontier.MinHeap
	results frontier.MinHeap

	ef        uint64
	filter    *bitsetview.View
	forTuning bool

	accumulativeAlpha float32
	initialSearchDone bool
	exhausted         bool
}

// GetIteratorWorkspace prepares a workspace for streaming the neighbors
// of query in increasing-distance order. ef is the number of results the
// initial search gathers before the first batch is emitted.
func (x *PQFlashIndex) GetIteratorWorkspace(query []float32, ef uint64, forTuning bool, filter *bitsetview.View) (*IteratorWorkspace, error) {
	if x.closed.Load() {
		return nil, ErrClosed
	}
	if ef == 0 {
		return nil, &InvalidArgumentError{Name: "ef", Reason: "must be positive"}
	}

	ws := &IteratorWorkspace{
		query:     make([]float32, x.dataDim),
		pqTable:   make([]float32, x.pqTable.TableLen()),
		visited:   bitset.New(uint(x.numPoints)),
		ef:        ef,
		filter:    filter,
		forTuning: forTuning,
	}

	ok, err := x.preprocessQuery(query, ws.query)
	if err != nil {
		return nil, err
	}
	if !ok {
		ws.exhausted = true
		return ws, nil
	}

	centered := make([]float32, x.dataDim)
	x.pqTable.PopulateChunkTable(x.metric, ws.query, centered, ws.pqTable)
	return ws, nil
}

// IteratorNextBatch returns up to want further neighbors in increasing
// distance order. An empty batch means the stream is exhausted.
func (x *PQFlashIndex) IteratorNextBatch(ctx context.Context, ws *IteratorWorkspace, want int) ([]int64, []float32, error) {
	if x.closed.Load() {
		return nil, nil, ErrClosed
	}
	if ws.exhausted || want <= 0 {
		return nil, nil, nil
	}

	sc, err := x.scratch.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer x.scratch.release(sc)

	if !ws.initialSearchDone {
		seed := x.bestMedoid(ws.query)
		ws.visited.Set(uint(seed))
		d := pq.ScoreOne(ws.pqTable, x.pqCodes[int(seed)*x.nChunks:(int(seed)+1)*x.nChunks], x.nChunks)
		ws.toVisit.Push(frontier.Item{ID: seed, Dist: d})

		// Initial search: explore to breadth ef before the first emission.
		for ws.results.Len() < int(ws.ef) && ws.toVisit.Len() > 0 {
			if err := x.iteratorExpand(ctx, ws, sc); err != nil {
				return nil, nil, err
			}
		}
		ws.initialSearchDone = true
	}

	ids := make([]int64, 0, want)
	dists := make([]float32, 0, want)

	emit := func(it frontier.Item) {
		ids = append(ids, int64(it.ID))
		dists = append(dists, x.rescaleResult(it.ID, it.Dist))
	}

	for len(ids) < want {
		top, haveResult := ws.results.Top()
		next, haveFrontier := ws.toVisit.Top()

		if haveResult && (!haveFrontier || frontier.Less(top, next)) {
			ws.results.Pop()
			emit(top)
			continue
		}
		if !haveFrontier {
			if !haveResult {
				ws.exhausted = true
			}
			break
		}

		if err := x.iteratorExpand(ctx, ws, sc); err != nil {
			return nil, nil, err
		}
	}

	// Spend accumulated slack deepening the frontier for the next batch;
	// the remainder carries across the call boundary.
	ws.accumulativeAlpha += float32(len(ids)) * iteratorAlphaGain
	for ws.accumulativeAlpha >= 1 && ws.toVisit.Len() > 0 {
		ws.accumulativeAlpha--
		if err := x.iteratorExpand(ctx, ws, sc); err != nil {
			return nil, nil, err
		}
	}

	if !ws.forTuning {
		x.searchCounter.Add(1)
	}
	return ids, dists, nil
}

// iteratorExpand pops the closest frontier vertex, reads its record, and
// admits unvisited neighbors with PQ-approximate priorities.
func (x *PQFlashIndex) iteratorExpand(ctx context.Context, ws *IteratorWorkspace, sc *queryScratch) error {
	cur, ok := ws.toVisit.Pop()
	if !ok {
		return nil
	}

	var nbrs []uint32
	var coords []float32

	x.cacheMu.RLock()
	cachedNbrs, cached := x.nhoodCache[cur.ID]
	if cached {
		coords = x.coordCache[cur.ID]
	}
	x.cacheMu.RUnlock()

	if cached {
		nbrs = cachedNbrs
	} else {
		sc.sectorIdx = 0
		buf := sc.nextSector(x.layout.readLenForNode)
		req := []reader.Request{{
			Offset: x.layout.nodeSectorOffset(cur.ID),
			Len:    x.layout.readLenForNode,
			Buf:    buf,
		}}
		if err := x.rdr.Read(ctx, sc.ioc, req); err != nil {
			return &IOError{cause: err}
		}
		nodeBuf := x.layout.nodeSlice(buf, cur.ID)
		var err error
		nbrs, err = x.layout.parseNeighborhood(nodeBuf, x.layout.nodeSectorOffset(cur.ID))
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

	if coords != nil && x.emittable(cur.ID) && !ws.filter.IsSet(cur.ID) {
		ws.results.Push(frontier.Item{ID: cur.ID, Dist: x.distFn(ws.query, coords)})
	}

	sc.idScratch = sc.idScratch[:0]
	for _, nbr := range nbrs {
		if !ws.visited.Test(uint(nbr)) {
			ws.visited.Set(uint(nbr))
			sc.idScratch = append(sc.idScratch, nbr)
		}
	}
	if len(sc.idScratch) > 0 {
		pq.AggregateCoords(sc.idScratch, x.pqCodes, x.nChunks, sc.pqCoordScratch)
		pq.ScoreMany(ws.pqTable, sc.pqCoordScratch, x.nChunks, len(sc.idScratch), sc.distScratch)
		for i, id := range sc.idScratch {
			ws.toVisit.Push(frontier.Item{ID: id, Dist: sc.distScratch[i]})
		}
	}

	if x.countVisitedNodes.Load() {
		x.nodeVisitMu.RLock()
		atomic.AddUint32(&x.nodeVisitCounter[cur.ID], 1)
		x.nodeVisitMu.RUnlock()
	}
	return nil
}
