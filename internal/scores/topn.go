package scores

import (
	"math"
	"math/rand"
	"sort"

	"github.com/somhunter/somhunter-go/internal/frames"
)

// TopN returns the n highest-scoring frames, skipping any candidate
// once its video or shot has already contributed fromVidLimit /
// fromShotLimit frames to the result (0 means unlimited). Ties break by
// ascending frame id.
func (m *Model) TopN(frm *frames.Index, n, fromVidLimit, fromShotLimit int) []frames.FrameID {
	if fromVidLimit == 0 {
		fromVidLimit = len(m.scores)
	}
	if fromShotLimit == 0 {
		fromShotLimit = len(m.scores)
	}
	if n > len(m.scores) {
		n = len(m.scores)
	}

	type scoreID struct {
		score float32
		id    frames.FrameID
	}
	ids := make([]scoreID, len(m.scores))
	for i, s := range m.scores {
		ids[i] = scoreID{score: s, id: frames.FrameID(i)}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].score != ids[j].score {
			return ids[i].score > ids[j].score
		}
		return ids[i].id < ids[j].id
	})

	framesPerVid := make(map[frames.VideoID]int)
	framesPerShot := make(map[frames.VideoID]map[frames.ShotID]int)
	result := make([]frames.FrameID, 0, n)

	for _, sid := range ids {
		if len(result) >= n {
			break
		}
		vf := frm.Get(sid.id)

		if framesPerVid[vf.VideoID] >= fromVidLimit {
			continue
		}

		if framesPerShot[vf.VideoID] == nil {
			framesPerShot[vf.VideoID] = make(map[frames.ShotID]int)
		}
		if framesPerShot[vf.VideoID][vf.ShotID] >= fromShotLimit {
			continue
		}

		result = append(result, sid.id)
		framesPerVid[vf.VideoID]++
		framesPerShot[vf.VideoID][vf.ShotID]++
	}
	return result
}

// TopNWithContext asks TopN for ceil(n/DisplayGridWidth) seeds and
// expands each into a DisplayGridWidth-wide row of consecutive frames,
// with the seed itself placed at TopNSelectedFramePosition. A context
// slot that would fall outside the seed's video is filled with the
// null sentinel.
func (m *Model) TopNWithContext(frm *frames.Index, n, fromVidLimit, fromShotLimit int) []frames.FrameID {
	numSeeds := (n + DisplayGridWidth - 1) / DisplayGridWidth
	seeds := m.TopN(frm, numSeeds, fromVidLimit, fromShotLimit)

	result := make([]frames.FrameID, 0, len(seeds)*DisplayGridWidth)
	for _, selected := range seeds {
		videoID := frm.VideoOf(selected)
		for i := -TopNSelectedFramePosition; i < DisplayGridWidth-TopNSelectedFramePosition; i++ {
			cand := selected + frames.FrameID(i)
			if frm.Valid(cand) && frm.VideoOf(cand) == videoID {
				result = append(result, cand)
			} else {
				result = append(result, frames.NullFrameID)
			}
		}
	}
	return result
}

// WeightedSample draws k distinct frames without replacement, weighted
// by scores[i]^pow, using a prefix-sum binary tree so each draw and
// removal costs O(log n). Draws are distinct only while k does not
// exceed the number of frames with a non-zero weight; past that, draws
// repeat.
func (m *Model) WeightedSample(k int, pow float64) []frames.FrameID {
	n := len(m.scores)
	branches := n - 1
	tree := make([]float64, branches+n)

	for i := 0; i < n; i++ {
		tree[branches+i] = math.Pow(float64(m.scores[i]), pow)
	}

	upd := func(i int) {
		l, r := 2*i+1, 2*i+2
		var sum float64
		if l < branches+n {
			sum += tree[l]
		}
		if r < branches+n {
			sum += tree[r]
		}
		if i < branches+n {
			tree[i] = sum
		}
	}
	updb := func(i int) {
		for {
			upd(i)
			if i == 0 {
				break
			}
			i = (i - 1) / 2
		}
	}

	for i := branches; i > 0; i-- {
		upd(i - 1)
	}

	res := make([]frames.FrameID, k)
	for ri := 0; ri < k; ri++ {
		x := rand.Float64() * tree[0]
		i := 0
		for {
			l, r := 2*i+1, 2*i+2
			if i >= branches {
				break
			}
			if r < branches+n && x >= tree[l] {
				x -= tree[l]
				i = r
			} else {
				i = l
			}
		}
		tree[i] = 0
		updb(i)
		res[ri] = frames.FrameID(i - branches)
	}
	return res
}

// WeightedExample draws a single frame from subset, weighted by each
// candidate's current score.
func (m *Model) WeightedExample(subset []frames.FrameID) frames.FrameID {
	weights := make([]float64, len(subset))
	var total float64
	for i, id := range subset {
		weights[i] = float64(m.scores[id])
		total += weights[i]
	}
	x := rand.Float64() * total
	for i, w := range weights {
		if x < w {
			return subset[i]
		}
		x -= w
	}
	return subset[len(subset)-1]
}
