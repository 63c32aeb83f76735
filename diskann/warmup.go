package diskann

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// ctlState is the lifecycle of the async sample-query sampler.
type ctlState int

const (
	ctlNone ctlState = iota
	ctlDoing
	ctlStopping
	ctlDone
	ctlKilled
)

// stateController coordinates the sampler with teardown. The sampler
// observes Stopping at the next query boundary; teardown waits on the
// condition variable for Done or Killed.
type stateController struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state ctlState
}

func newStateController() *stateController {
	c := &stateController{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *stateController) get() ctlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stateController) set(s ctlState) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

// tryStart transitions None/Done -> Doing; fails while a task runs or
// after teardown poisoned the controller.
func (c *stateController) tryStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ctlDoing || c.state == ctlStopping || c.state == ctlKilled {
		return false
	}
	c.state = ctlDoing
	return true
}

// stopping reports whether teardown asked the sampler to exit.
func (c *stateController) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ctlStopping
}

// LoadCacheList reads the given nodes once and pins their neighborhoods
// and full-precision vectors in memory. Entries are never evicted; cached
// and direct reads stay byte-identical because both come from the same
// immutable sectors.
func (x *PQFlashIndex) LoadCacheList(ctx context.Context, nodeList []uint32) error {
	if x.closed.Load() {
		return ErrClosed
	}

	for _, id := range nodeList {
		if uint64(id) >= x.numPoints {
			return &InvalidArgumentError{Name: "nodeList", Reason: fmt.Sprintf("id %d out of range", id)}
		}
	}

	// Dedupe and drop already-cached ids.
	x.cacheMu.RLock()
	todo := make([]uint32, 0, len(nodeList))
	seen := make(map[uint32]struct{}, len(nodeList))
	for _, id := range nodeList {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, cached := x.nhoodCache[id]; !cached {
			todo = append(todo, id)
		}
	}
	x.cacheMu.RUnlock()
	if len(todo) == 0 {
		return nil
	}

	ioc, err := x.rdr.RegisterThread()
	if err != nil {
		return err
	}
	defer x.rdr.DeregisterThread(ioc)

	dim := int(x.dataDim)
	coordBuf := make([]float32, len(todo)*dim)
	nbrLists := make([][]uint32, len(todo))

	err = x.readNodes(ctx, ioc, todo, func(i int, id uint32, nodeBuf []byte) error {
		nbrs, err := x.layout.parseNeighborhood(nodeBuf, x.layout.nodeSectorOffset(id))
		if err != nil {
			return err
		}
		nbrLists[i] = slices.Clone(nbrs)
		return x.decodeNodeVector(nodeBuf, coordBuf[i*dim:(i+1)*dim])
	})
	if err != nil {
		return err
	}

	// Bulk arena for neighbor lists; its lifetime equals the cache's.
	total := 0
	for _, nbrs := range nbrLists {
		total += len(nbrs)
	}
	nhoodBuf := make([]uint32, 0, total)

	x.cacheMu.Lock()
	for i, id := range todo {
		start := len(nhoodBuf)
		nhoodBuf = append(nhoodBuf, nbrLists[i]...)
		x.nhoodCache[id] = nhoodBuf[start:len(nhoodBuf):len(nhoodBuf)]
		x.coordCache[id] = coordBuf[i*dim : (i+1)*dim : (i+1)*dim]
	}
	x.cacheMu.Unlock()

	x.logger.Info("cache list loaded", "nodes", len(todo))
	return nil
}

// CacheBFSLevels caches up to numNodesToCache nodes discovered breadth
// first from the medoids, following the on-disk graph level by level.
// Returns the ids that were cached.
func (x *PQFlashIndex) CacheBFSLevels(ctx context.Context, numNodesToCache uint64) ([]uint32, error) {
	if x.closed.Load() {
		return nil, ErrClosed
	}
	if numNodesToCache == 0 {
		return nil, nil
	}

	ioc, err := x.rdr.RegisterThread()
	if err != nil {
		return nil, err
	}
	defer x.rdr.DeregisterThread(ioc)

	picked := make([]uint32, 0, numNodesToCache)
	enqueued := make(map[uint32]struct{}, numNodesToCache)

	level := make([]uint32, 0, len(x.medoids))
	for _, m := range x.medoids {
		if _, ok := enqueued[m]; !ok {
			enqueued[m] = struct{}{}
			level = append(level, m)
		}
	}

	for len(level) > 0 && uint64(len(picked)) < numNodesToCache {
		if uint64(len(picked)+len(level)) > numNodesToCache {
			level = level[:numNodesToCache-uint64(len(picked))]
		}
		picked = append(picked, level...)

		var next []uint32
		err := x.readNodes(ctx, ioc, level, func(_ int, id uint32, nodeBuf []byte) error {
			nbrs, err := x.layout.parseNeighborhood(nodeBuf, x.layout.nodeSectorOffset(id))
			if err != nil {
				return err
			}
			for _, nbr := range nbrs {
				if _, ok := enqueued[nbr]; !ok {
					enqueued[nbr] = struct{}{}
					next = append(next, nbr)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		level = next
	}

	if err := x.LoadCacheList(ctx, picked); err != nil {
		return nil, err
	}
	x.logger.Info("bfs warm-up complete", "nodes", len(picked))
	return picked, nil
}

// AsyncGenerateCacheListFromSampleQueries starts a background task that
// runs beam searches over the samples in sampleBin (a float bin file),
// counts vertex visit frequency, and caches the numNodesToCache most
// visited nodes. The task is joined by DestroyCacheAsyncTask or Close.
func (x *PQFlashIndex) AsyncGenerateCacheListFromSampleQueries(sampleBin string, lSearch, beamWidth, numNodesToCache uint64) error {
	if x.closed.Load() {
		return ErrClosed
	}
	if x.stateCtl.get() == ctlKilled {
		return ErrCancelled
	}
	if !x.stateCtl.tryStart() {
		return fmt.Errorf("diskann: sample-query warm-up already running")
	}

	go x.sampleQueryTask(sampleBin, lSearch, beamWidth, numNodesToCache)
	return nil
}

func (x *PQFlashIndex) sampleQueryTask(sampleBin string, lSearch, beamWidth, numNodesToCache uint64) {
	defer x.stateCtl.set(ctlDone)

	samples, rows, cols, err := readFloatBin(sampleBin)
	if err != nil {
		x.logger.Error("sample warm-up failed", "error", err)
		return
	}
	if uint64(cols) != x.dataDim {
		x.logger.Error("sample warm-up failed", "error", "sample dimension mismatch", "dim", cols)
		return
	}

	// Reset the visit counters under the exclusive lock, then count.
	x.nodeVisitMu.Lock()
	clear(x.nodeVisitCounter)
	x.nodeVisitMu.Unlock()
	x.countVisitedNodes.Store(true)
	defer x.countVisitedNodes.Store(false)

	ids := make([]int64, 1)
	dists := make([]float32, 1)
	opts := &SearchOptions{BeamWidth: uint32(beamWidth), ForTuning: true}

	done := 0
	for i := 0; i < rows; i++ {
		if x.stateCtl.stopping() {
			x.logger.Info("sample warm-up stopped", "queries_run", done)
			return
		}
		q := samples[i*cols : (i+1)*cols]
		if err := x.CachedBeamSearch(context.Background(), q, 1, lSearch, ids, dists, opts); err != nil {
			x.logger.Warn("sample query failed", "error", err)
			continue
		}
		done++
	}

	// Rank nodes by visit count; ties resolve to smaller ids.
	type visit struct {
		id    uint32
		count uint32
	}
	visits := make([]visit, 0, numNodesToCache)
	x.nodeVisitMu.RLock()
	for id := range x.nodeVisitCounter {
		if c := atomic.LoadUint32(&x.nodeVisitCounter[id]); c > 0 {
			visits = append(visits, visit{id: uint32(id), count: c})
		}
	}
	x.nodeVisitMu.RUnlock()

	sort.Slice(visits, func(i, j int) bool {
		if visits[i].count != visits[j].count {
			return visits[i].count > visits[j].count
		}
		return visits[i].id < visits[j].id
	})
	if uint64(len(visits)) > numNodesToCache {
		visits = visits[:numNodesToCache]
	}
	nodeList := make([]uint32, len(visits))
	for i, v := range visits {
		nodeList[i] = v.id
	}

	if err := x.LoadCacheList(context.Background(), nodeList); err != nil {
		x.logger.Error("sample warm-up cache load failed", "error", err)
		return
	}
	x.logger.Info("sample warm-up complete", "queries_run", done, "nodes", len(nodeList))
}

// DestroyCacheAsyncTask stops any in-flight sample-query warm-up and
// blocks until the task has fully exited. Safe to call repeatedly.
func (x *PQFlashIndex) DestroyCacheAsyncTask() {
	c := x.stateCtl
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ctlNone:
		// Never started; poison so a racing start cannot slip in later.
		c.state = ctlKilled
		c.cond.Broadcast()
		return
	case ctlDone, ctlKilled:
		return
	case ctlDoing:
		c.state = ctlStopping
		c.cond.Broadcast()
	}

	for c.state != ctlDone && c.state != ctlKilled {
		c.cond.Wait()
	}
}

// CacheSize returns the number of cached neighborhoods.
func (x *PQFlashIndex) CacheSize() int {
	x.cacheMu.RLock()
	defer x.cacheMu.RUnlock()
	return len(x.nhoodCache)
}
