package opt

import "wastezone/internal/geo"

// point is the minimal node view used by the refinement heuristics.
type point struct {
	Lat float64
	Lon float64
}

// improveOrder2Opt shortens the open path nodes[order[0]] -> ... by segment
// reversals. order[0] is the fixed entry point and is never moved; the tail
// is free. A move is accepted only if it strictly shortens the path. It
// returns the refined order and the number of accepted moves.
func improveOrder2Opt(nodes []point, order []int, passes int) ([]int, int) {
	best := append([]int(nil), order...)
	n := len(best)
	if passes <= 0 || n < 3 {
		return best, 0
	}
	bestDist := pathKm(nodes, best)
	accepted := 0
	for it := 0; it < passes; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if d := pathKm(nodes, cand); d < bestDist-1e-9 {
					best, bestDist = cand, d
					improved = true
					accepted++
				}
			}
		}
		if !improved {
			break
		}
	}
	return best, accepted
}

// twoOptSwap reverses ord[i..k] into a new slice.
func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func pathKm(nodes []point, order []int) float64 {
	total := 0.0
	for i := 0; i+1 < len(order); i++ {
		a, b := nodes[order[i]], nodes[order[i+1]]
		total += geo.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	return total
}
