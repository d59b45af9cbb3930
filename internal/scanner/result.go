package scanner

// Result is one finished scan.
type Result struct {
	Readings []int
	Duration int // scan time reported by the device, in milliseconds
}

// clone returns a deep copy so callers never share the dispatcher's slice.
func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	readings := make([]int, len(r.Readings))
	copy(readings, r.Readings)
	return &Result{Readings: readings, Duration: r.Duration}
}

// Inverted returns a copy of r with the two halves of its readings swapped,
// correcting for a scanner head mounted the other way round. The split point
// is len/2 rounded down, so for odd lengths the extra reading belongs to the
// second half: [1 2 3 4 5] becomes [3 4 5 1 2].
func (r *Result) Inverted() *Result {
	out := &Result{Duration: r.Duration}
	out.Readings = invertHalves(r.Readings)
	return out
}

func invertHalves(in []int) []int {
	mid := len(in) / 2
	out := make([]int, 0, len(in))
	out = append(out, in[mid:]...)
	return append(out, in[:mid]...)
}
