package reglib

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const kmeansMaxIter = 100

// KMeans clusters the rows of data into k groups with Lloyd's
// algorithm, returning a label per row and the k cluster centers.
// Centers are seeded from distinct random rows; an emptied cluster is
// reseeded from a random row.
func KMeans(data *mat.Dense, k int, rng *rand.Rand) ([]int, *mat.Dense) {
	n, d := data.Dims()
	if k < 1 || k > n {
		panic(fmt.Sprintf("reglib: cannot split %d rows into %d clusters", n, k))
	}

	centers := mat.NewDense(k, d, nil)
	for i, t := range rng.Perm(n)[:k] {
		centers.SetRow(i, data.RawRowView(t))
	}

	labels := make([]int, n)
	counts := make([]int, k)
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for t := 0; t < n; t++ {
			best, bestDist := 0, math.Inf(1)
			for j := 0; j < k; j++ {
				dist := floats.Distance(data.RawRowView(t), centers.RawRowView(j), 2)
				if dist < bestDist {
					best, bestDist = j, dist
				}
			}
			if labels[t] != best {
				labels[t] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		centers.Zero()
		for j := range counts {
			counts[j] = 0
		}
		for t := 0; t < n; t++ {
			floats.Add(centers.RawRowView(labels[t]), data.RawRowView(t))
			counts[labels[t]]++
		}
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				centers.SetRow(j, data.RawRowView(rng.IntN(n)))
				continue
			}
			floats.Scale(1/float64(counts[j]), centers.RawRowView(j))
		}
	}
	return labels, centers
}
