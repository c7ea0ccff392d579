package fragment

// seqDelta returns a-b as a signed 8-bit difference, i.e. the number of
// steps forward from b to reach a on the wrapping mod-256 sequence space.
// The result is in [-128, 127]; ties (exactly 128 apart) come back
// negative (-128), matching a window that never spans more than 128
// entries.
func seqDelta(a, b uint8) int8 {
	return int8(a - b)
}

// seqLess reports whether a comes strictly before b when both are read
// relative to the window anchored at start.
func seqLess(a, b, start uint8) bool {
	return seqDelta(a, start) < seqDelta(b, start)
}

// inWindow reports whether seq lies in [start, start+size) on the
// wrapping sequence space.
func inWindow(seq, start uint8, size int) bool {
	d := seqDelta(seq, start)
	return d >= 0 && int(d) < size
}
