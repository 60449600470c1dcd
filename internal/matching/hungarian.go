package matching

import (
	"math"
	"sort"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/bidding"
)

// forbiddenCost prices a pairing with no real bid far above any genuine one
// (real costs live in [0,1]), so the solver only resorts to it when a job has
// no usable bidder left. Such pairings are discarded after solving.
const forbiddenCost = 10.0

// assignHungarian solves the batch as a minimum-cost square assignment with
// cost = 1 - score. Rows are jobs in batch order, columns are distinct
// bidders sorted by ID, and the matrix is padded square, so identical inputs
// always produce the identical assignment.
func assignHungarian(batch []bidding.ClosedAuction, candidates []candidate) map[int]candidate {
	numJobs := len(batch)

	driverIdx := make(map[string]int)
	driverIDs := make([]string, 0)
	for _, c := range candidates {
		if _, seen := driverIdx[c.bid.DriverID]; !seen {
			driverIdx[c.bid.DriverID] = 0
			driverIDs = append(driverIDs, c.bid.DriverID)
		}
	}
	sort.Strings(driverIDs)
	for i, id := range driverIDs {
		driverIdx[id] = i
	}

	n := numJobs
	if len(driverIDs) > n {
		n = len(driverIDs)
	}
	if n == 0 {
		return map[int]candidate{}
	}

	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = forbiddenCost
		}
	}
	byCell := make(map[[2]int]candidate, len(candidates))
	for _, c := range candidates {
		row, col := c.jobIdx, driverIdx[c.bid.DriverID]
		cost[row][col] = 1 - c.score
		byCell[[2]int{row, col}] = c
	}

	match := solveAssignment(cost)

	chosen := make(map[int]candidate, numJobs)
	for row := 0; row < numJobs; row++ {
		col := match[row]
		if col < 0 {
			continue
		}
		if c, ok := byCell[[2]int{row, col}]; ok {
			chosen[row] = c
		}
	}
	return chosen
}

// solveAssignment is the O(n^3) Hungarian algorithm with row/column
// potentials over a square cost matrix. Returns the column matched to each
// row.
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	match := make([]int, n)
	for i := range match {
		match[i] = -1
	}
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			match[p[j]-1] = j - 1
		}
	}
	return match
}
