package reglib

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// RandomRotation returns an n x n rotation: a two-dimensional rotation
// by a random angle in [0, pi/2), conjugated by a random orthogonal
// basis. All eigenvalues lie on the unit circle, so scaling the result
// below one yields stable autoregressive dynamics.
func RandomRotation(rng *rand.Rand, n int) *mat.Dense {
	theta := 0.5 * math.Pi * rng.Float64()
	if n == 1 {
		return mat.NewDense(1, 1, []float64{rng.Float64()})
	}

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	out.Set(0, 0, math.Cos(theta))
	out.Set(0, 1, -math.Sin(theta))
	out.Set(1, 0, math.Sin(theta))
	out.Set(1, 1, math.Cos(theta))

	g := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(g)
	var q mat.Dense
	qr.QTo(&q)

	var tmp, rot mat.Dense
	tmp.Mul(&q, out)
	rot.Mul(&tmp, q.T())
	return &rot
}
