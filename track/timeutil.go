package track

import "math"

// Scale returns ts*multiplier/divisor, avoiding overflow where it can and
// falling back to floating point where it cannot.
func Scale(ts, multiplier, divisor int64) int64 {
	if ts == 0 || multiplier == 0 {
		return 0
	}
	switch {
	case divisor >= multiplier && divisor%multiplier == 0:
		return ts / (divisor / multiplier)
	case divisor < multiplier && multiplier%divisor == 0:
		return ts * (multiplier / divisor)
	}
	if abs(ts) <= math.MaxInt64/abs(multiplier) {
		return ts * multiplier / divisor
	}
	return int64(float64(ts) * (float64(multiplier) / float64(divisor)))
}

// ScaleAll scales every element of ts in place.
func ScaleAll(ts []int64, multiplier, divisor int64) {
	for i, v := range ts {
		ts[i] = Scale(v, multiplier, divisor)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// binarySearchFloor returns the index of the largest element less than (or,
// if inclusive, equal to) v. Among equal elements the first is chosen. With
// nothing smaller it returns -1, or 0 if stayInBounds.
func binarySearchFloor(a []int64, v int64, inclusive, stayInBounds bool) int {
	i := lowerBound(a, v)
	if i < len(a) && a[i] == v && inclusive {
		// i is already the first equal element.
	} else {
		i--
	}
	if stayInBounds && i < 0 {
		return 0
	}
	return i
}

// binarySearchCeil returns the index of the smallest element greater than
// (or, if inclusive, equal to) v. Among equal elements the last is chosen
// when inclusive; otherwise the index after the last equal element. With
// nothing larger it returns len(a), or len(a)-1 if stayInBounds.
func binarySearchCeil(a []int64, v int64, inclusive, stayInBounds bool) int {
	i := upperBound(a, v)
	if inclusive && i > 0 && a[i-1] == v {
		i--
	}
	if stayInBounds && i > len(a)-1 {
		return len(a) - 1
	}
	return i
}

// lowerBound returns the first index whose element is not less than v.
func lowerBound(a []int64, v int64) int {
	lo, hi := 0, len(a)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if a[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the first index whose element is greater than v.
func upperBound(a []int64, v int64) int {
	lo, hi := 0, len(a)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if a[mid] <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
