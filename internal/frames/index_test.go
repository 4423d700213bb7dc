package frames

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offsets picks fixed-width fields out of lines like "v00_s003_f00042.jpg".
var testOffsets = Offsets{
	VideoIDOff:  1,
	VideoIDLen:  2,
	ShotIDOff:   5,
	ShotIDLen:   3,
	FrameNumOff: 10,
	FrameNumLen: 5,
}

func writeLines(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNewBuildsVideoRanges(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "frames.txt", []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
		"v00_s001_f00002.jpg",
		"v01_s000_f00000.jpg",
	})

	idx, err := New(Config{FramesListFile: path, Offsets: testOffsets})
	require.NoError(t, err)

	assert.Equal(t, 4, idx.Size())
	assert.Equal(t, 2, idx.NumVideos())
	assert.Equal(t, Range{Begin: 0, End: 3}, idx.VideoRange(0))
	assert.Equal(t, Range{Begin: 3, End: 4}, idx.VideoRange(1))
	assert.Equal(t, VideoID(0), idx.VideoOf(2))
	assert.Equal(t, VideoID(1), idx.VideoOf(3))
	assert.Equal(t, ErrVideoID, idx.VideoOf(99))
}

func TestShotRangeNarrows(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "frames.txt", []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00010.jpg",
		"v00_s001_f00020.jpg",
		"v00_s001_f00030.jpg",
		"v00_s002_f00040.jpg",
	})

	idx, err := New(Config{FramesListFile: path, Offsets: testOffsets})
	require.NoError(t, err)

	r := idx.ShotRange(0, 15, 35)
	assert.Equal(t, Range{Begin: 2, End: 4}, r)
}

func TestPathPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "frames.txt", []string{"v00_s000_f00000.jpg"})

	idx, err := New(Config{FramesListFile: path, FramesPathPrefix: "/data/frames/", Offsets: testOffsets})
	require.NoError(t, err)

	assert.Equal(t, "/data/frames/v00_s000_f00000.jpg", idx.Path(0))
}

func TestIDsToFramesHandlesSentinel(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "frames.txt", []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})

	idx, err := New(Config{FramesListFile: path, Offsets: testOffsets})
	require.NoError(t, err)

	res := idx.IDsToFrames([]FrameID{0, NullFrameID, 1})
	require.Len(t, res, 3)
	assert.NotNil(t, res[0])
	assert.Nil(t, res[1])
	assert.NotNil(t, res[2])
	assert.Equal(t, int32(1), res[2].FrameNumber)
}

func TestTopKeywordsOptional(t *testing.T) {
	dir := t.TempDir()
	framesPath := writeLines(t, dir, "frames.txt", []string{
		"v00_s000_f00000.jpg",
		"v00_s000_f00001.jpg",
	})
	kwPath := writeLines(t, dir, "topkws.txt", []string{
		"0~12#7#3",
		"1~",
	})

	idx, err := New(Config{
		FramesListFile:  framesPath,
		Offsets:         testOffsets,
		TopKeywordsFile: kwPath,
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{12, 7, 3}, idx.TopKeywords(0))
	assert.Nil(t, idx.TopKeywords(1))
}

func TestNewRejectsMissingFile(t *testing.T) {
	_, err := New(Config{FramesListFile: "/nonexistent/path.txt", Offsets: testOffsets})
	assert.Error(t, err)
}

func TestNewRejectsShortLine(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "frames.txt", []string{"short"})
	_, err := New(Config{FramesListFile: path, Offsets: testOffsets})
	assert.Error(t, err)
}
