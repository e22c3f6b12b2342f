package fan

import "iter"

// Ramp yields the duties between from (exclusive) and to (inclusive) in unit
// steps. Equal endpoints yield nothing. The sequence is lazy and may be
// ranged over more than once.
func Ramp(from, to int) iter.Seq[int] {
	return func(yield func(int) bool) {
		switch {
		case to > from:
			for duty := from + 1; duty <= to; duty++ {
				if !yield(duty) {
					return
				}
			}
		case to < from:
			for duty := from - 1; duty >= to; duty-- {
				if !yield(duty) {
					return
				}
			}
		}
	}
}
