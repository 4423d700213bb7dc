// Package frames loads and indexes the dataset's frame list: the
// immutable mapping from a dense frame id to its owning video, shot,
// intra-video frame number and filename.
package frames

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
)

// FrameID is a dense id in [0, N).
type FrameID int32

// VideoID identifies a contiguous range of frames.
type VideoID int32

// ShotID identifies a contiguous sub-range of frames within a video.
type ShotID int32

// ErrFrameID marks "no such frame" from lookups.
const ErrFrameID FrameID = -1

// ErrVideoID is returned by VideoOf for an out-of-range frame id.
const ErrVideoID VideoID = -1

// NullFrameID is the sentinel written into SOM/context display cells
// that have no frame.
const NullFrameID FrameID = -1

// Offsets describes fixed substring offsets used to parse a frame's
// video id, shot id and frame number out of its filename.
type Offsets struct {
	// FilenameOff is accepted for config-schema parity but unused:
	// filenames are parsed relative to the start of the line.
	FilenameOff   int `json:"filename_off"`
	VideoIDOff    int `json:"video_id_off"`
	VideoIDLen    int `json:"video_id_len"`
	ShotIDOff     int `json:"shot_id_off"`
	ShotIDLen     int `json:"shot_id_len"`
	FrameNumOff   int `json:"frame_num_off"`
	FrameNumLen   int `json:"frame_num_len"`
	MaxFilenameLn int `json:"max_filename_len"`
}

// VideoFrame is one keyframe.
type VideoFrame struct {
	Filename    string
	VideoID     VideoID
	ShotID      ShotID
	FrameNumber int32
	FrameID     FrameID
	Liked       bool
}

// Range is a contiguous half-open range of frame ids [Begin, End).
type Range struct {
	Begin FrameID
	End   FrameID
}

// Len returns the number of frames in the range.
func (r Range) Len() int { return int(r.End - r.Begin) }

// Index is the immutable frame → (video, shot, frame#, filename) map.
type Index struct {
	frames      []VideoFrame
	videoRanges []Range
	pathPrefix  string
	topKeywords [][]int32 // optional display annotation, may be nil
}

// Config is the subset of engine configuration the frame index needs.
type Config struct {
	FramesListFile   string  `json:"frames_list_file"`
	FramesPathPrefix string  `json:"frames_path_prefix"`
	Offsets          Offsets `json:"offsets"`
	// TopKeywordsFile optionally annotates each frame (in file order)
	// with its top keyword ids, '~'-delimited id then '#'-joined list.
	// Purely a display hint; never consulted by scoring.
	TopKeywordsFile string `json:"top_keywords_file,omitempty"`
}

// New loads the frame list and builds the video-range side index. A
// missing file or an unparseable line is a construction-time
// (configuration) error, never a panic.
func New(cfg Config) (*Index, error) {
	f, err := os.Open(cfg.FramesListFile)
	if err != nil {
		return nil, fmt.Errorf("frames: opening frame list %q: %w", cfg.FramesListFile, err)
	}
	defer f.Close()

	idx := &Index{pathPrefix: cfg.FramesPathPrefix}

	var (
		prevVideo  = ErrVideoID
		rangeBegin FrameID
		haveRange  bool
	)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var i FrameID
	for sc.Scan() {
		line := sc.Text()
		vf, err := parseVideoFilename(line, cfg.Offsets)
		if err != nil {
			return nil, fmt.Errorf("frames: parsing line %d (%q): %w", i, line, err)
		}
		vf.FrameID = i
		idx.frames = append(idx.frames, vf)

		if vf.VideoID != prevVideo {
			if haveRange {
				idx.videoRanges = append(idx.videoRanges, Range{Begin: rangeBegin, End: i})
			}
			rangeBegin = i
			haveRange = true
			prevVideo = vf.VideoID
		}
		i++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("frames: reading frame list: %w", err)
	}
	if haveRange {
		idx.videoRanges = append(idx.videoRanges, Range{Begin: rangeBegin, End: i})
	}
	if len(idx.frames) == 0 {
		return nil, fmt.Errorf("frames: no frames loaded from %q", cfg.FramesListFile)
	}

	if cfg.TopKeywordsFile != "" {
		kws, err := parseTopKeywordsFile(cfg.TopKeywordsFile)
		if err != nil {
			return nil, err
		}
		idx.topKeywords = kws
	}

	return idx, nil
}

func parseVideoFilename(line string, offs Offsets) (VideoFrame, error) {
	videoID, err := substrInt(line, offs.VideoIDOff, offs.VideoIDLen)
	if err != nil {
		return VideoFrame{}, fmt.Errorf("video id: %w", err)
	}
	shotID, err := substrInt(line, offs.ShotIDOff, offs.ShotIDLen)
	if err != nil {
		return VideoFrame{}, fmt.Errorf("shot id: %w", err)
	}
	frameNum, err := substrInt(line, offs.FrameNumOff, offs.FrameNumLen)
	if err != nil {
		return VideoFrame{}, fmt.Errorf("frame number: %w", err)
	}

	return VideoFrame{
		Filename:    line,
		VideoID:     VideoID(videoID),
		ShotID:      ShotID(shotID),
		FrameNumber: int32(frameNum),
	}, nil
}

func substrInt(s string, off, ln int) (int64, error) {
	if ln == 0 {
		return 0, nil
	}
	if off < 0 || off+ln > len(s) {
		return 0, fmt.Errorf("offset %d+%d out of range for %q", off, ln, s)
	}
	return strconv.ParseInt(s[off:off+ln], 10, 64)
}

func parseTopKeywordsFile(path string) ([][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frames: opening top-keywords file %q: %w", path, err)
	}
	defer f.Close()

	var result [][]int32
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var idsPart string
		for i, r := range line {
			if r == '~' {
				idsPart = line[i+1:]
				break
			}
		}
		var ids []int32
		if idsPart != "" {
			cur := ""
			flush := func() error {
				if cur == "" {
					return nil
				}
				v, err := strconv.ParseInt(cur, 10, 32)
				if err != nil {
					return err
				}
				ids = append(ids, int32(v))
				cur = ""
				return nil
			}
			for _, r := range idsPart {
				if r == '#' {
					if err := flush(); err != nil {
						return nil, fmt.Errorf("frames: parsing top keywords: %w", err)
					}
					continue
				}
				cur += string(r)
			}
			if err := flush(); err != nil {
				return nil, fmt.Errorf("frames: parsing top keywords: %w", err)
			}
		}
		result = append(result, ids)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("frames: reading top-keywords file: %w", err)
	}
	return result, nil
}

// Size returns the number of frames in the dataset.
func (idx *Index) Size() int { return len(idx.frames) }

// NumVideos returns the last frame's video id + 1.
func (idx *Index) NumVideos() int {
	if len(idx.frames) == 0 {
		return 0
	}
	return int(idx.frames[len(idx.frames)-1].VideoID) + 1
}

// Get returns the frame at id. Panics on out-of-range id; callers
// that accept external ids must check Valid first.
func (idx *Index) Get(id FrameID) VideoFrame { return idx.frames[id] }

// Valid reports whether id names an actual frame in the dataset.
func (idx *Index) Valid(id FrameID) bool {
	return id >= 0 && int(id) < len(idx.frames)
}

// SetLiked mutates the display-decoration Liked flag of a frame
// in-place. The session's like set remains authoritative; this
// merely keeps the cached flag in sync.
func (idx *Index) SetLiked(id FrameID, liked bool) {
	idx.frames[id].Liked = liked
}

// VideoOf returns the owning video id, or ErrVideoID if id is out of
// range.
func (idx *Index) VideoOf(id FrameID) VideoID {
	if !idx.Valid(id) {
		return ErrVideoID
	}
	return idx.frames[id].VideoID
}

// VideoRange returns the [begin, end) frame range of a video in O(1).
func (idx *Index) VideoRange(v VideoID) Range {
	return idx.videoRanges[v]
}

// ShotRange narrows the video's range until FrameNumber enters
// [from, to].
func (idx *Index) ShotRange(v VideoID, from, to int32) Range {
	vr := idx.VideoRange(v)
	begin := vr.Begin
	end := vr.End - 1
	for idx.frames[begin].FrameNumber < from {
		begin++
	}
	for idx.frames[end].FrameNumber > to {
		end--
	}
	return Range{Begin: begin, End: end + 1}
}

// Path returns the on-disk path of a frame (prefix + filename).
func (idx *Index) Path(id FrameID) string {
	return idx.pathPrefix + idx.frames[id].Filename
}

// TopKeywords returns the optional per-frame top-keyword annotation, or
// nil if none was loaded (see Config.TopKeywordsFile).
func (idx *Index) TopKeywords(id FrameID) []int32 {
	if int(id) >= len(idx.topKeywords) {
		return nil
	}
	return idx.topKeywords[id]
}

// Each calls fn for every frame in ascending id order.
func (idx *Index) Each(fn func(VideoFrame)) {
	for _, f := range idx.frames {
		fn(f)
	}
}

// IDsToFrames resolves a slice of ids into VideoFrame pointers,
// position-aligned with the input; a NullFrameID input yields a nil
// entry.
func (idx *Index) IDsToFrames(ids []FrameID) []*VideoFrame {
	res := make([]*VideoFrame, len(ids))
	for i, id := range ids {
		if id == NullFrameID {
			continue
		}
		res[i] = &idx.frames[id]
	}
	return res
}

// RangeToFrames resolves a contiguous Range into VideoFrame pointers.
func (idx *Index) RangeToFrames(r Range) []*VideoFrame {
	res := make([]*VideoFrame, 0, r.Len())
	for i := r.Begin; i < r.End; i++ {
		res = append(res, &idx.frames[i])
	}
	return res
}
