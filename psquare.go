package corosio

import "math"

// quantileEstimator is a P-Square streaming quantile estimator: O(1) per
// observation and O(1) retrieval, versus the O(n log n) sort a sampling
// buffer needs. Five markers track the minimum, the target quantile, the
// maximum, and the two midpoints between them; marker heights are nudged
// toward their ideal positions with a parabolic (or, failing that, linear)
// adjustment as observations arrive.
//
// Reference: Jain & Chlamtac, "The P² Algorithm for Dynamic Calculation of
// Quantiles and Histograms Without Storing Observations", CACM 28(10), 1985.
//
// Not safe for concurrent use; the owning collector synchronizes.
type quantileEstimator struct {
	p float64 // target quantile in [0, 1]

	heights [5]float64 // marker heights (estimated values)
	pos     [5]int     // actual marker positions
	want    [5]float64 // desired marker positions
	step    [5]float64 // per-observation increments of want

	count int
	boot  [5]float64 // first five observations, before markers exist
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantileEstimator{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// observe folds one observation into the estimate.
func (e *quantileEstimator) observe(x float64) {
	e.count++

	if e.count <= 5 {
		e.boot[e.count-1] = x
		if e.count == 5 {
			e.bootstrap()
		}
		return
	}

	// Locate the cell k with heights[k] <= x < heights[k+1], extending the
	// extremes when x falls outside them.
	var k int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		k = 0
	case x >= e.heights[4]:
		e.heights[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.heights[k] <= x && x < e.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := 0; i < 5; i++ {
		e.want[i] += e.step[i]
	}

	// Nudge the three interior markers toward their desired positions.
	for i := 1; i < 4; i++ {
		d := e.want[i] - float64(e.pos[i])
		if (d >= 1 && e.pos[i+1]-e.pos[i] > 1) || (d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			h := e.parabolic(i, sign)
			if e.heights[i-1] < h && h < e.heights[i+1] {
				e.heights[i] = h
			} else {
				e.heights[i] = e.linear(i, sign)
			}
			e.pos[i] += sign
		}
	}
}

// bootstrap seeds the markers from the first five observations.
func (e *quantileEstimator) bootstrap() {
	for i := 1; i < 5; i++ {
		key := e.boot[i]
		j := i - 1
		for j >= 0 && e.boot[j] > key {
			e.boot[j+1] = e.boot[j]
			j--
		}
		e.boot[j+1] = key
	}
	for i := 0; i < 5; i++ {
		e.heights[i] = e.boot[i]
		e.pos[i] = i
	}
	e.want = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

func (e *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	pi := float64(e.pos[i])
	prev := float64(e.pos[i-1])
	next := float64(e.pos[i+1])

	term1 := df / (next - prev)
	term2 := (pi - prev + df) * (e.heights[i+1] - e.heights[i]) / (next - pi)
	term3 := (next - pi - df) * (e.heights[i] - e.heights[i-1]) / (pi - prev)
	return e.heights[i] + term1*(term2+term3)
}

func (e *quantileEstimator) linear(i, d int) float64 {
	if d == 1 {
		return e.heights[i] + (e.heights[i+1]-e.heights[i])/float64(e.pos[i+1]-e.pos[i])
	}
	return e.heights[i] - (e.heights[i]-e.heights[i-1])/float64(e.pos[i]-e.pos[i-1])
}

// quantile returns the current estimate.
func (e *quantileEstimator) quantile() float64 {
	if e.count == 0 {
		return 0
	}
	if e.count < 5 {
		// Too few observations for markers; sort what we have.
		sorted := make([]float64, e.count)
		copy(sorted, e.boot[:e.count])
		for i := 1; i < e.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(e.count-1) * e.p)
		if index >= e.count {
			index = e.count - 1
		}
		return sorted[index]
	}
	// Marker 2 tracks the target quantile.
	return e.heights[2]
}

// multiQuantile runs one P-Square estimator per tracked percentile over a
// single observation stream, alongside running sum/max for mean reporting.
//
// Not safe for concurrent use; the owning collector synchronizes.
type multiQuantile struct {
	estimators []*quantileEstimator
	sum        float64
	count      int
	max        float64
}

func newMultiQuantile(percentiles ...float64) *multiQuantile {
	m := &multiQuantile{
		estimators: make([]*quantileEstimator, len(percentiles)),
		max:        -math.MaxFloat64,
	}
	for i, p := range percentiles {
		m.estimators[i] = newQuantileEstimator(p)
	}
	return m
}

func (m *multiQuantile) observe(x float64) {
	m.count++
	m.sum += x
	if x > m.max {
		m.max = x
	}
	for _, e := range m.estimators {
		e.observe(x)
	}
}

func (m *multiQuantile) quantile(i int) float64 {
	if i < 0 || i >= len(m.estimators) {
		return 0
	}
	return m.estimators[i].quantile()
}

func (m *multiQuantile) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *multiQuantile) maximum() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}
