package scores

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somhunter/somhunter-go/internal/features"
	"github.com/somhunter/somhunter-go/internal/frames"
)

var modelTestOffsets = frames.Offsets{
	VideoIDOff:  1,
	VideoIDLen:  2,
	ShotIDOff:   5,
	ShotIDLen:   3,
	FrameNumOff: 10,
	FrameNumLen: 5,
}

func buildIndex(t *testing.T, lines []string) *frames.Index {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "frames.txt")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	idx, err := frames.New(frames.Config{FramesListFile: p, Offsets: modelTestOffsets})
	require.NoError(t, err)
	return idx
}

func TestNewInitializesToOne(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	m := New(idx)
	assert.Equal(t, float32(1), m.Get(0))
	assert.Equal(t, float32(1), m.Get(1))
}

func TestAdjustAndNormalize(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	m := New(idx)
	m.Adjust(0, 0.5)
	m.Normalize()
	assert.Equal(t, float32(1), m.Get(1))
	assert.InDelta(t, 0.5, m.Get(0), 1e-6)
}

func TestNormalizeFloorsDivisorForNegligibleScores(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	m := New(idx)
	m.Set(0, 1e-20)
	m.Set(1, 1e-20)
	m.Normalize()
	// The maximum (1e-20) is below MinimalScore, so MinimalScore is the
	// divisor and each score becomes 1e-20/1e-12.
	raw, floor := float32(1e-20), float32(MinimalScore)
	want := raw / floor
	assert.Equal(t, want, m.Get(0))
	assert.Equal(t, want, m.Get(1))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
	})
	m := New(idx)
	m.Set(0, 0.3)
	m.Set(1, 0.7)
	m.Set(2, 1e-20)
	m.Normalize()
	once := append([]float32{}, m.scores...)
	m.Normalize()
	assert.Equal(t, once, m.scores)
}

func TestRankOfImage(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
	})
	m := New(idx)
	m.Set(0, 0.9)
	m.Set(1, 0.5)
	m.Set(2, 0.1)
	assert.Equal(t, 0, m.RankOfImage(0))
	assert.Equal(t, 1, m.RankOfImage(1))
	assert.Equal(t, 2, m.RankOfImage(2))
}

func TestTopNRespectsPerVideoCap(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v01_s000_f00000.jpg",
	})
	m := New(idx)
	m.Set(0, 0.9)
	m.Set(1, 0.8)
	m.Set(2, 0.1)

	res := m.TopN(idx, 3, 1, 0)
	require.Len(t, res, 2)
	assert.Equal(t, frames.FrameID(0), res[0])
	assert.Equal(t, frames.FrameID(2), res[1])
}

func TestTopNWithContextFillsRow(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
		"v00_s000_f00003.jpg",
		"v00_s000_f00004.jpg",
		"v00_s000_f00005.jpg",
	})
	m := New(idx)
	for i := 0; i < 6; i++ {
		m.Set(frames.FrameID(i), 0.5)
	}
	m.Set(2, 1.0) // seed frame, in the middle of one video

	res := m.TopNWithContext(idx, 1, 0, 0)
	assert.Len(t, res, DisplayGridWidth)
	assert.Equal(t, []frames.FrameID{0, 1, 2, 3, 4, 5}, res)
}

func TestWeightedSampleReturnsDistinctFrames(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
	})
	m := New(idx)
	res := m.WeightedSample(2, 1)
	assert.Len(t, res, 2)
	assert.NotEqual(t, res[0], res[1])
}

func TestWeightedExamplePicksFromSubset(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	m := New(idx)
	subset := []frames.FrameID{0, 1}
	got := m.WeightedExample(subset)
	assert.Contains(t, subset, got)
}

func TestApplyBayesSkipsWhenNoLikes(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	m := New(idx)
	before := append([]float32{}, m.scores...)
	m.ApplyBayes(nil, nil, &features.Store{})
	assert.Equal(t, before, m.scores)
}

func TestApplyBayesPullsTowardLikedFrame(t *testing.T) {
	idx := buildIndex(t, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
	})
	feats := buildFeatureStore(t, idx, [][]float32{
		{1, 0},
		{0.99, 0.14}, // close to frame 0
		{0, 1},       // far from frame 0
	})

	m := New(idx)
	likes := map[frames.FrameID]struct{}{0: {}}
	screen := map[frames.FrameID]struct{}{0: {}, 1: {}, 2: {}}
	m.ApplyBayes(likes, screen, feats)

	assert.Greater(t, m.Get(1), m.Get(2))
}

func buildFeatureStore(t *testing.T, idx *frames.Index, rows [][]float32) *features.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "features.bin")
	var buf []byte
	for _, row := range rows {
		for _, v := range row {
			bits := float32ToBytes(v)
			buf = append(buf, bits...)
		}
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	st, err := features.Load(idx, features.Config{FeaturesFile: path, FeaturesDim: len(rows[0])})
	require.NoError(t, err)
	return st
}

func float32ToBytes(f float32) []byte {
	bits := math.Float32bits(f)
	return []byte{
		byte(bits),
		byte(bits >> 8),
		byte(bits >> 16),
		byte(bits >> 24),
	}
}
