// Package som implements the self-organizing map behind the SOM grid
// display: online training over a weighted-random point stream and
// nearest-codebook classification, run on a background worker
// goroutine.
package som

import (
	"math/rand"

	"github.com/somhunter/somhunter-go/internal/vecmath"
)

// GridWidth and GridHeight size the SOM codebook grid.
const (
	GridWidth  = 8
	GridHeight = 8
	GridSize   = GridWidth * GridHeight
)

// Iters is the number of training steps per run.
const Iters = 100000

// annealParams holds the linear-interpolation endpoints the learning
// rates and neighborhood radii follow over the course of training.
type annealParams struct {
	thresholdA0, thresholdADiff float32
	alphaA0, alphaADiff         float32
	thresholdB0, thresholdBDiff float32
	alphaB0, alphaBDiff         float32
}

func newAnnealParams(alphasA, radiiA, alphasB, radiiB [2]float32) annealParams {
	return annealParams{
		thresholdA0:    radiiA[0],
		thresholdADiff: radiiA[1] - radiiA[0],
		alphaA0:        alphasA[0],
		alphaADiff:     alphasA[1] - alphasA[0],
		thresholdB0:    radiiB[0],
		thresholdBDiff: radiiB[1] - radiiB[0],
		alphaB0:        alphasB[0],
		alphaBDiff:     alphasB[1] - alphasB[0],
	}
}

// defaultAlphasRadii is the annealing schedule: the negative
// (repulsive) B-band alpha/radius are derived from the attractive
// A-band ones.
func defaultAlphasRadii() (alphasA, radiiA, alphasB, radiiB [2]float32) {
	const negAlpha = -0.01
	const negRadius = 1.1
	alphasA = [2]float32{0.3, 0.1}
	radiiA = [2]float32{float32(GridWidth+GridHeight) / 3, 0.1}
	alphasB = [2]float32{negAlpha * alphasA[0], negAlpha * alphasA[1]}
	radiiB = [2]float32{negRadius * radiiA[0], negRadius * radiiA[1]}
	return
}

// NeighborDist precomputes the manhattan distance between every pair of
// grid cells.
func NeighborDist() []float32 {
	nhbrdist := make([]float32, GridSize*GridSize)
	for x1 := 0; x1 < GridWidth; x1++ {
		for y1 := 0; y1 < GridHeight; y1++ {
			for x2 := 0; x2 < GridWidth; x2++ {
				for y2 := 0; y2 < GridHeight; y2++ {
					idx := x1 + GridWidth*(y1+GridHeight*(x2+GridWidth*y2))
					nhbrdist[idx] = absf(float32(x1)-float32(x2)) + absf(float32(y1)-float32(y2))
				}
			}
		}
	}
	return nhbrdist
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

// discreteSampler draws indices from points with probability
// proportional to weights.
type discreteSampler struct {
	prefix []float64
	total  float64
}

func newDiscreteSampler(weights []float32) *discreteSampler {
	prefix := make([]float64, len(weights))
	var sum float64
	for i, w := range weights {
		sum += float64(w)
		prefix[i] = sum
	}
	return &discreteSampler{prefix: prefix, total: sum}
}

func (d *discreteSampler) sample(rng *rand.Rand) int {
	if d.total <= 0 {
		return rng.Intn(len(d.prefix))
	}
	x := rng.Float64() * d.total
	lo, hi := 0, len(d.prefix)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if d.prefix[mid] < x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Train runs niter annealed training steps over the n points in
// points (row-major, dim-wide), updating koho (k*dim floats) in
// place. Points are drawn weighted by scores, so high-scoring frames
// shape the map more.
func Train(n, k, dim, niter int, points, koho, nhbrdist []float32, scores []float32, rng *rand.Rand) {
	alphasA, radiiA, alphasB, radiiB := defaultAlphasRadii()
	ap := newAnnealParams(alphasA, radiiA, alphasB, radiiB)
	sampler := newDiscreteSampler(scores)

	for iter := 0; iter < niter; iter++ {
		point := sampler.sample(rng)
		riter := float32(iter) / float32(niter)

		nearest := nearestCodebook(points[dim*point:dim*point+dim], koho, k, dim)

		thresholdA := ap.thresholdA0 + riter*ap.thresholdADiff
		thresholdB := ap.thresholdB0 + riter*ap.thresholdBDiff
		alphaA := ap.alphaA0 + riter*ap.alphaADiff
		alphaB := ap.alphaB0 + riter*ap.alphaBDiff

		for i := 0; i < k; i++ {
			d := nhbrdist[i+k*nearest]

			var alpha float32
			if d > thresholdA {
				if d > thresholdB {
					continue
				}
				alpha = alphaB
			} else {
				alpha = alphaA
			}

			base := i * dim
			pbase := point * dim
			for j := 0; j < dim; j++ {
				koho[base+j] += alpha * (points[pbase+j] - koho[base+j])
			}
		}
	}
}

// nearestCodebook returns the index of the koho row (of k rows, dim
// wide) closest to pt by squared euclidean distance.
func nearestCodebook(pt []float32, koho []float32, k, dim int) int {
	nearest := 0
	nearestD := vecmath.SqEuclid(pt, koho[0:dim])
	for i := 1; i < k; i++ {
		d := vecmath.SqEuclid(pt, koho[i*dim:i*dim+dim])
		if d < nearestD {
			nearest = i
			nearestD = d
		}
	}
	return nearest
}

// MapPointsToKohos classifies each of n points to its nearest
// codebook row.
func MapPointsToKohos(n, k, dim int, points, koho []float32) []int {
	mapping := make([]int, n)
	for p := 0; p < n; p++ {
		mapping[p] = nearestCodebook(points[p*dim:p*dim+dim], koho, k, dim)
	}
	return mapping
}
