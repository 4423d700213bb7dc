package features

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somhunter/somhunter-go/internal/frames"
)

var storeTestOffsets = frames.Offsets{
	VideoIDOff:  1,
	VideoIDLen:  2,
	ShotIDOff:   5,
	ShotIDLen:   3,
	FrameNumOff: 10,
	FrameNumLen: 5,
}

func writeFrameLines(t *testing.T, dir string, lines []string) *frames.Index {
	t.Helper()
	p := filepath.Join(dir, "frames.txt")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	idx, err := frames.New(frames.Config{FramesListFile: p, Offsets: storeTestOffsets})
	require.NoError(t, err)
	return idx
}

func writeFeaturesFile(t *testing.T, dir string, header int, rows [][]float32) string {
	t.Helper()
	p := filepath.Join(dir, "features.bin")
	buf := new(bytes.Buffer)
	buf.Write(make([]byte, header))
	for _, row := range rows {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, row))
	}
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func TestLoadAndVector(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	path := writeFeaturesFile(t, dir, 8, [][]float32{
		{1, 0, 0},
		{0, 1, 0},
	})

	st, err := Load(frm, Config{FeaturesFile: path, FeaturesDataOff: 8, FeaturesDim: 3})
	require.NoError(t, err)

	assert.Equal(t, 2, st.Size())
	assert.Equal(t, 3, st.Dim())
	assert.Equal(t, []float32{1, 0, 0}, st.Vector(0))
	assert.Equal(t, []float32{0, 1, 0}, st.Vector(1))
}

func TestDDotOrthogonalUnitVectors(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	path := writeFeaturesFile(t, dir, 0, [][]float32{
		{1, 0},
		{0, 1},
	})
	st, err := Load(frm, Config{FeaturesFile: path, FeaturesDim: 2})
	require.NoError(t, err)

	assert.InDelta(t, 1, st.DDot(0, 1), 1e-6)
	assert.InDelta(t, 0, st.DDot(0, 0), 1e-6)
}

func TestTopKNNOrdersByDistance(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
		"v01_s000_f00000.jpg",
	})
	// query is frame 0 = {1,0}; 1={0.9,0.1} closer than 2={0,1}; 3 in another video, {1,0} exact.
	path := writeFeaturesFile(t, dir, 0, [][]float32{
		{1, 0},
		{0.9, 0.1},
		{0, 1},
		{1, 0},
	})
	st, err := Load(frm, Config{FeaturesFile: path, FeaturesDim: 2})
	require.NoError(t, err)

	res := st.TopKNN(frm, 0, nil, 0, 0)
	require.NotEmpty(t, res)
	assert.Equal(t, frames.FrameID(0), res[0])
	assert.Equal(t, []frames.FrameID{0, 3, 1, 2}, res)
}

func TestTopKNNRespectsPerVideoLimit(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s000_f00002.jpg",
	})
	path := writeFeaturesFile(t, dir, 0, [][]float32{
		{1, 0},
		{1, 0},
		{1, 0},
	})
	st, err := Load(frm, Config{FeaturesFile: path, FeaturesDim: 2})
	require.NoError(t, err)

	res := st.TopKNN(frm, 0, nil, 1, 0)
	assert.Len(t, res, 1)
}

func TestTopKNNRespectsPredicate(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	path := writeFeaturesFile(t, dir, 0, [][]float32{
		{1, 0},
		{1, 0},
	})
	st, err := Load(frm, Config{FeaturesFile: path, FeaturesDim: 2})
	require.NoError(t, err)

	res := st.TopKNN(frm, 0, func(id frames.FrameID) bool { return id != 1 }, 0, 0)
	for _, id := range res {
		assert.NotEqual(t, frames.FrameID(1), id)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	frm := writeFrameLines(t, dir, []string{"v00_s000_f00000.jpg"})
	_, err := Load(frm, Config{FeaturesFile: "/nonexistent.bin", FeaturesDim: 3})
	assert.Error(t, err)
}
