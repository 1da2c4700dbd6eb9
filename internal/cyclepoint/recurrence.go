package cyclepoint

// Recurrence lazily enumerates cycle points: first = initial + offset,
// then first + k*period for k >= 0, intersected with [initial, final]
// when final is set. Finite iff Final is set.
type Recurrence struct {
	Initial Point
	Offset  Duration
	Period  Duration
	Final   *Point
}

// First returns the first point in the recurrence.
func (r Recurrence) First() Point {
	p, _ := Add(r.Initial, r.Offset)
	return p
}

// Next returns the smallest recurrence point strictly after 'after', or
// ok=false if the recurrence is exhausted (after >= Final, or the
// period is zero and after >= First()).
func (r Recurrence) Next(after Point) (Point, bool) {
	cur := r.First()
	if r.Final != nil && Less(*r.Final, cur) {
		return Point{}, false
	}
	if Less(after, cur) {
		return cur, true
	}
	if isZeroDuration(r.Period) {
		return Point{}, false
	}
	for {
		cur, _ = Add(cur, r.Period)
		if r.Final != nil && Less(*r.Final, cur) {
			return Point{}, false
		}
		if Less(after, cur) {
			return cur, true
		}
	}
}

// Points returns up to limit points starting at or after 'from',
// convenience for tests and bounded enumeration; callers driving the
// live scheduler should use Next() iteratively instead so an infinite
// recurrence is never materialized.
func (r Recurrence) Points(from Point, limit int) []Point {
	out := make([]Point, 0, limit)
	cur := r.First()
	if !Less(cur, from) || Equal(cur, from) {
		if r.Final == nil || !Less(*r.Final, cur) {
			out = append(out, cur)
		}
	}
	for len(out) < limit {
		next, ok := r.Next(cur)
		if !ok {
			break
		}
		cur = next
		if Less(cur, from) {
			continue
		}
		out = append(out, cur)
	}
	return out
}

func isZeroDuration(d Duration) bool {
	return d.Int == 0 && d.Years == 0 && d.Months == 0 && d.Exact == 0
}
