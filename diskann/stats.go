package diskann

import "time"

// QueryStats collects per-query execution counters. Pass one through
// SearchOptions to have the engine fill it in; all fields are overwritten.
type QueryStats struct {
	// NIOs is the number of read requests issued to the reader.
	NIOs uint32
	// N4K is the number of 4K sectors fetched.
	N4K uint32
	// NCmps is the number of distance computations: PQ scores on the graph
	// walk, exact scores in the brute-force scan.
	NCmps uint32
	// NHops is the number of beam iterations.
	NHops uint32
	// NCacheHits is the number of neighborhoods resolved from cache.
	NCacheHits uint32
	// NNodesVisited is the number of vertices expanded.
	NNodesVisited uint32
	// IOTime is the time spent waiting on batched sector reads.
	IOTime time.Duration
	// TotalTime is the end-to-end query time.
	TotalTime time.Duration
	// BruteForce reports whether the query fell back to the sequential
	// beam scan instead of the graph walk.
	BruteForce bool
}

func (s *QueryStats) reset() {
	if s != nil {
		*s = QueryStats{}
	}
}
