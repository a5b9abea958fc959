package vm

// SwitchLookup finds v in the sorted case array. It returns the case index
// on a hit and the bitwise complement of the insertion point on a miss.
func SwitchLookup(cases *Array, v Value) int {
	lo, hi := 0, cases.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := Compare(cases.Items[mid], v); {
		case c == 0 && IsEq(cases.Items[mid], v):
			return mid
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return ^lo
}

// switchSlot maps a lookup result onto the jump table: case k uses slot
// 2k+1, the gap in front of case k uses slot 2k.
func switchSlot(r int) int {
	if r >= 0 {
		return 2*r + 1
	}
	return 2 * ^r
}
