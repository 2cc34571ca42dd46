package pointer

// wheelSteps converts a wheel delta into scroll notches. Small non-zero
// deltas still scroll one notch in their direction.
func wheelSteps(delta int) int {
	const notch = 120
	steps := delta / notch
	if steps == 0 && delta != 0 {
		if delta > 0 {
			return 1
		}
		return -1
	}
	return steps
}
