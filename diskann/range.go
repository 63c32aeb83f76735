package diskann

import (
	"context"

	"github.com/xxxlzhxxx/knowhere/bitsetview"
	"github.com/xxxlzhxxx/knowhere/distance"
)

// RangeSearch returns every id whose exact distance to query is within
// radius (for InnerProduct: whose similarity is at least radius). The
// frontier capacity starts at minL and doubles until the number of
// in-range results is unchanged from the previous round or maxL is reached.
func (x *PQFlashIndex) RangeSearch(ctx context.Context, query []float32, radius float64, minL, maxL, beamWidth uint64, filter *bitsetview.View, stats *QueryStats) ([]int64, []float32, error) {
	if minL == 0 {
		return nil, nil, &InvalidArgumentError{Name: "minL", Reason: "must be positive"}
	}
	if maxL < minL {
		return nil, nil, &InvalidArgumentError{Name: "maxL", Reason: "below minL"}
	}

	inRange := func(d float32) bool {
		if x.metric == distance.MetricInnerProduct {
			return float64(d) >= radius
		}
		return float64(d) <= radius
	}

	var resIDs []int64
	var resDists []float32

	l := minL
	prevCount := -1
	for {
		ids := make([]int64, l)
		dists := make([]float32, l)
		opts := &SearchOptions{BeamWidth: uint32(beamWidth), Stats: stats, Bitset: filter}
		if err := x.CachedBeamSearch(ctx, query, l, l, ids, dists, opts); err != nil {
			return nil, nil, err
		}

		resIDs = resIDs[:0]
		resDists = resDists[:0]
		for i := range ids {
			if ids[i] < 0 {
				break
			}
			if inRange(dists[i]) {
				resIDs = append(resIDs, ids[i])
				resDists = append(resDists, dists[i])
			}
		}

		count := len(resIDs)
		if count == prevCount || l >= maxL {
			break
		}
		prevCount = count
		l = min(2*l, maxL)
	}

	return resIDs, resDists, nil
}
