package dht

import (
	"math"

	"github.com/cdipaolo/goml/base"
	"github.com/cdipaolo/goml/linear"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// EstimateNetworkSize fits a least-squares regression over the routing
// table's bucket occupancy (log-occupancy as a function of bucket index,
// i.e. of log-distance from the local node) and extrapolates the
// expected total population of the network. This replaces the common
// single-bucket-depth heuristic with an actual fit over all occupied
// buckets; it is a diagnostic, not required by any DHT operation in
// sections 4.3-4.6.
//
// Returns 1 (just ourselves) if fewer than two buckets are occupied,
// since a regression over fewer than two points is meaningless.
func (d *DHT) EstimateNetworkSize() int {
	d.mu.RLock()
	table := d.table
	d.mu.RUnlock()

	var xs [][]float64
	var ys []float64
	for idx := 0; idx < routing.Bits; idx++ {
		occupancy := table.BucketSize(idx)
		if occupancy == 0 {
			continue
		}
		xs = append(xs, []float64{float64(idx)})
		ys = append(ys, math.Log2(float64(occupancy)))
	}
	if len(xs) < 2 {
		return 1
	}

	model := linear.NewLeastSquares(base.BatchGA, 0.001, 0, 300, xs, ys)
	if err := model.Learn(); err != nil {
		d.logger.Warn("network size regression failed", "error", err)
		return len(xs) * routing.DefaultK
	}

	// The fit predicts log2 occupancy per bucket index; summing 2^fit
	// across all buckets approximates total network population.
	total := 0.0
	for idx := 0; idx < routing.Bits; idx++ {
		predicted, err := model.Predict([]float64{float64(idx)})
		if err != nil || len(predicted) == 0 {
			continue
		}
		total += math.Pow(2, predicted[0])
	}
	if total < 1 {
		return 1
	}
	return int(math.Round(total))
}
