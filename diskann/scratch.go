package diskann

import (
	"context"

	"github.com/xxxlzhxxx/knowhere/internal/frontier"
	"github.com/xxxlzhxxx/knowhere/internal/pq"
	"github.com/xxxlzhxxx/knowhere/internal/visited"
	"github.com/xxxlzhxxx/knowhere/reader"
)

// beamNode is one expanded candidate of the current beam: either a record
// region inside the sector scratch (disk path) or stable cache slices.
type beamNode struct {
	id     uint32
	buf    []byte
	nbrs   []uint32
	coords []float32
}

// queryScratch bundles every buffer one query needs. Bundles are built
// once at load and recycled through a bounded channel; releasing resets
// indices and the visited set without freeing memory, which keeps the hot
// path allocation-free.
type queryScratch struct {
	sectorScratch []byte
	sectorIdx     int

	query          []float32 // preprocessed query
	centered       []float32 // pq table build scratch
	pqTable        []float32 // per-query lookup table, nChunks * 256
	distScratch    []float32 // batch PQ scores
	pqCoordScratch []byte    // gathered codes, nChunks * MaxGraphDegree
	idScratch      []uint32  // newly seen neighbor ids
	coordScratch   []float32 // disk-PQ inflation scratch

	visited *visited.Set
	retset  *frontier.Pool
	full    []frontier.Item

	reqs []reader.Request
	beam []beamNode

	ioc *reader.IOContext
}

func newQueryScratch(dim, nChunks int) *queryScratch {
	return &queryScratch{
		sectorScratch:  make([]byte, MaxNSectorReads*SectorLen),
		query:          make([]float32, dim),
		centered:       make([]float32, dim),
		pqTable:        make([]float32, nChunks*pq.NumCentroids),
		distScratch:    make([]float32, MaxGraphDegree),
		pqCoordScratch: make([]byte, nChunks*MaxGraphDegree),
		idScratch:      make([]uint32, 0, MaxGraphDegree),
		coordScratch:   make([]float32, dim),
		visited:        visited.NewSet(4096),
		retset:         frontier.NewPool(64),
		full:           make([]frontier.Item, 0, 256),
		reqs:           make([]reader.Request, 0, MaxNSectorReads),
		beam:           make([]beamNode, 0, MaxNSectorReads),
	}
}

func (s *queryScratch) reset() {
	s.sectorIdx = 0
	s.visited.Reset()
	s.full = s.full[:0]
	s.reqs = s.reqs[:0]
	s.beam = s.beam[:0]
	s.idScratch = s.idScratch[:0]
}

// nextSector hands out the next staging slot of the sector pad.
func (s *queryScratch) nextSector(readLen uint64) []byte {
	off := s.sectorIdx * SectorLen
	s.sectorIdx += int(readLen / SectorLen)
	return s.sectorScratch[off : off+int(readLen)]
}

// scratchPool is a fixed set of bundles drawn through a bounded channel.
// Acquisition blocks while every bundle is in use; an external thread pool
// can drive the core without any thread-local state.
type scratchPool struct {
	ch chan *queryScratch
}

func newScratchPool(numThreads, dim, nChunks int, rdr reader.AlignedReader) (*scratchPool, error) {
	p := &scratchPool{ch: make(chan *queryScratch, numThreads)}
	for i := 0; i < numThreads; i++ {
		s := newQueryScratch(dim, nChunks)
		ioc, err := rdr.RegisterThread()
		if err != nil {
			p.drain(rdr)
			return nil, err
		}
		s.ioc = ioc
		p.ch <- s
	}
	return p, nil
}

func (p *scratchPool) acquire(ctx context.Context) (*queryScratch, error) {
	select {
	case s := <-p.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *scratchPool) release(s *queryScratch) {
	s.reset()
	p.ch <- s
}

func (p *scratchPool) drain(rdr reader.AlignedReader) {
	for {
		select {
		case s := <-p.ch:
			if s.ioc != nil {
				rdr.DeregisterThread(s.ioc)
			}
		default:
			return
		}
	}
}
