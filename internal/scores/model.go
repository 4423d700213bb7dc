// Package scores implements the mutable per-frame relevance score
// vector: the multiplicative score model, Bayesian relevance feedback,
// weighted sampling without replacement and the top-N/top-N-with-context
// display rankings built on top of it.
package scores

import (
	"log"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/somhunter/somhunter-go/internal/features"
	"github.com/somhunter/somhunter-go/internal/frames"
)

// MinimalScore is the floor every score is clamped to after
// normalization; it keeps every entry strictly positive.
const MinimalScore = 1e-12

// bayesSigma and maxOthers parametrize ApplyBayes: the feedback
// temperature and the cap on the negative-evidence subsample.
const (
	bayesSigma = 0.1
	maxOthers  = 64
)

// DisplayGridWidth and TopNSelectedFramePosition control
// TopNWithContext's per-seed context window.
const (
	DisplayGridWidth          = 6
	TopNSelectedFramePosition = 2
)

// Model holds one score per frame; all scores are always > 0.
type Model struct {
	scores []float32
}

// New builds a Model with every frame initialized to score 1.
func New(frm *frames.Index) *Model {
	s := make([]float32, frm.Size())
	for i := range s {
		s[i] = 1.0
	}
	return &Model{scores: s}
}

// Reset sets every score back to 1.
func (m *Model) Reset() {
	for i := range m.scores {
		m.scores[i] = 1.0
	}
}

// Adjust multiplies a frame's score by prob and returns the new value.
func (m *Model) Adjust(id frames.FrameID, prob float32) float32 {
	m.scores[id] *= prob
	return m.scores[id]
}

// Set overwrites a frame's score.
func (m *Model) Set(id frames.FrameID, prob float32) float32 {
	m.scores[id] = prob
	return m.scores[id]
}

// Get returns a frame's current score.
func (m *Model) Get(id frames.FrameID) float32 { return m.scores[id] }

// All returns a read-only view of the whole score vector, for the SOM
// worker handoff (som.Worker.StartWork copies it under its own mutex).
func (m *Model) All() []float32 { return m.scores }

// Size returns the number of scored frames.
func (m *Model) Size() int { return len(m.scores) }

// Normalize divides every score by the maximum (so the maximum becomes
// 1) and clamps each quotient to MinimalScore. A maximum below
// MinimalScore is logged as a warning and MinimalScore is used as the
// divisor instead.
func (m *Model) Normalize() {
	var smax float32
	for _, s := range m.scores {
		if s > smax {
			smax = s
		}
	}
	if smax < MinimalScore {
		log.Printf("WARNING: scores: maximal score %g is below the floor, normalizing by %g", smax, MinimalScore)
		smax = MinimalScore
	}
	for i, s := range m.scores {
		s /= smax
		if s < MinimalScore {
			s = MinimalScore
		}
		m.scores[i] = s
	}
}

// RankOfImage returns the number of frames strictly outscoring id.
func (m *Model) RankOfImage(id frames.FrameID) int {
	t := m.scores[id]
	rank := 0
	for _, s := range m.scores {
		if s > t {
			rank++
		}
	}
	return rank
}

// ApplyBayes performs one round of Bayesian relevance feedback: every
// liked frame pulls scores toward frames close to it in feature space,
// contrasted against a capped random subsample of the unliked "screen"
// set. The per-frame loop is split into disjoint ranges and
// parallelized across GOMAXPROCS workers via errgroup; each worker
// writes only its own range of the score vector.
func (m *Model) ApplyBayes(likes, screen map[frames.FrameID]struct{}, feats *features.Store) {
	if len(likes) == 0 {
		return
	}

	others := make([]frames.FrameID, 0, len(screen))
	for id := range screen {
		if _, liked := likes[id]; !liked {
			others = append(others, id)
		}
	}
	if len(others) > maxOthers {
		for i := 0; i < maxOthers; i++ {
			j := i + rand.Intn(len(others)-i)
			others[i], others[j] = others[j], others[i]
		}
		others = others[:maxOthers]
	}

	likeIDs := make([]frames.FrameID, 0, len(likes))
	for id := range likes {
		likeIDs = append(likeIDs, id)
	}

	nWorkers := numWorkers(len(m.scores))
	var g errgroup.Group
	for w := 0; w < nWorkers; w++ {
		w := w
		first := frames.FrameID(w * len(m.scores) / nWorkers)
		last := frames.FrameID((w + 1) * len(m.scores) / nWorkers)
		g.Go(func() error {
			for ii := first; ii < last; ii++ {
				var divSum float32
				for _, oi := range others {
					divSum += float32(math.Exp(float64(-feats.DDot(ii, oi) / bayesSigma)))
				}
				for _, like := range likeIDs {
					likeVal := float32(math.Exp(float64(-feats.DDot(ii, like) / bayesSigma)))
					m.scores[ii] *= likeVal / (likeVal + divSum)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	m.Normalize()
}

func numWorkers(n int) int {
	w := runtime.GOMAXPROCS(0)
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}
