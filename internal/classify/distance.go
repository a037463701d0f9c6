package classify

// Distance returns the Levenshtein distance between a and b, or bound+1 once
// the distance is known to exceed bound.
func Distance(a, b string, bound int) int {
	la, lb := len(a), len(b)
	if la < lb {
		a, b = b, a
		la, lb = lb, la
	}
	if la-lb > bound {
		return bound + 1
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, curr[j])
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, curr = curr, prev
	}

	if prev[lb] > bound {
		return bound + 1
	}
	return prev[lb]
}

// Nearest returns the corpus entry closest to name within threshold. An exact
// corpus member has no nearest name. Ties go to the earlier corpus entry.
// Names and entries shorter than minLen are not compared.
func Nearest(name string, corpus []string, threshold, minLen int) (string, int, bool) {
	if threshold <= 0 || len(name) < minLen {
		return "", 0, false
	}

	best, bestDist := "", threshold+1
	for _, popular := range corpus {
		if popular == name {
			return "", 0, false
		}
		if len(popular) < minLen {
			continue
		}
		d := Distance(name, popular, threshold)
		if d > 0 && d < bestDist {
			best, bestDist = popular, d
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestDist, true
}
