package sampler

// Average is a running mean over one cycle. It is created zeroed at the
// start of a cycle and discarded once evaluated.
type Average struct {
	sum   float64
	count uint64
}

// NewAverage returns an empty average.
func NewAverage() Average { return Average{} }

// Add folds v into the average.
func (a *Average) Add(v float64) {
	a.sum += v
	a.count++
}

// Eval returns sum/count, or 0 when nothing was added. A source with no
// usable samples still yields a well-formed point.
func (a Average) Eval() float64 {
	n := a.count
	if n == 0 {
		n = 1
	}
	return a.sum / float64(n)
}

// Count returns how many values were added.
func (a Average) Count() uint64 { return a.count }
