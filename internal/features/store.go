// Package features loads the dataset's dense feature matrix (one row
// per frame) and answers nearest-neighbour queries against it.
package features

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/somhunter/somhunter-go/internal/frames"
	"github.com/somhunter/somhunter-go/internal/vecmath"
)

// TopKNNLimit bounds the number of neighbours TopKNN ever returns.
const TopKNNLimit = 10000

// Store is the immutable n×dim feature matrix.
type Store struct {
	n    int
	dim  int
	data []float32
}

// Config is the subset of engine configuration the feature store needs.
type Config struct {
	FeaturesFile    string `json:"features_file"`
	FeaturesDataOff int64  `json:"features_data_offset"`
	FeaturesDim     int    `json:"features_dim"`
}

// Load reads the binary feature file: a fixed header of
// cfg.FeaturesDataOff bytes is skipped, then n*dim little-endian
// float32s follow in row-major order, one row per frame in frm's
// frame-id order.
func Load(frm *frames.Index, cfg Config) (*Store, error) {
	f, err := os.Open(cfg.FeaturesFile)
	if err != nil {
		return nil, fmt.Errorf("features: opening %q: %w", cfg.FeaturesFile, err)
	}
	defer f.Close()

	if _, err := f.Seek(cfg.FeaturesDataOff, io.SeekStart); err != nil {
		return nil, fmt.Errorf("features: seeking past header: %w", err)
	}

	n := frm.Size()
	data := make([]float32, n*cfg.FeaturesDim)

	br := bufio.NewReaderSize(f, 1<<20)
	if err := binary.Read(br, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("features: reading feature matrix: %w", err)
	}

	return &Store{n: n, dim: cfg.FeaturesDim, data: data}, nil
}

// Size returns the number of rows (frames).
func (s *Store) Size() int { return s.n }

// Dim returns the feature vector width.
func (s *Store) Dim() int { return s.dim }

// Vector returns the feature row for a frame id, as a view into the
// backing matrix. Callers must not retain it across a Store reload.
func (s *Store) Vector(id frames.FrameID) []float32 {
	off := int(id) * s.dim
	return s.data[off : off+s.dim]
}

// All returns a read-only view of the whole row-major matrix, for the
// SOM worker handoff (som.Worker.StartWork copies it under its own
// mutex, so a view rather than a defensive copy is sufficient here).
func (s *Store) All() []float32 { return s.data }

// DManhattan returns the L1 distance between two frames' features.
func (s *Store) DManhattan(i, j frames.FrameID) float32 {
	return vecmath.Manhattan(s.Vector(i), s.Vector(j))
}

// DSqEuclid returns the squared euclidean distance between two frames.
func (s *Store) DSqEuclid(i, j frames.FrameID) float32 {
	return vecmath.SqEuclid(s.Vector(i), s.Vector(j))
}

// DEuclid returns the euclidean distance between two frames.
func (s *Store) DEuclid(i, j frames.FrameID) float32 {
	return vecmath.Euclid(s.Vector(i), s.Vector(j))
}

// DDot returns 1 - dot(i, j), the distance used for KNN ranking.
func (s *Store) DDot(i, j frames.FrameID) float32 {
	return 1 - vecmath.Dot(s.Vector(i), s.Vector(j))
}

// DCos returns 1 - cos(i, j).
func (s *Store) DCos(i, j frames.FrameID) float32 {
	return vecmath.Cosine(s.Vector(i), s.Vector(j))
}

// neighbor pairs a candidate frame with its distance to the query.
type neighbor struct {
	id   frames.FrameID
	dist float32
}

// TopKNN returns up to TopKNNLimit frames nearest to id by DDot
// distance, subject to per-video and per-shot caps and an optional
// predicate, ordered nearest-first. A perVidLimit/fromShotLimit of 0
// means "unlimited".
func (s *Store) TopKNN(frm *frames.Index, id frames.FrameID, pred func(frames.FrameID) bool, perVidLimit, fromShotLimit int) []frames.FrameID {
	if perVidLimit == 0 {
		perVidLimit = frm.Size()
	}
	if fromShotLimit == 0 {
		fromShotLimit = frm.Size()
	}
	if pred == nil {
		pred = func(frames.FrameID) bool { return true }
	}

	all := make([]neighbor, s.n)
	for i := 0; i < s.n; i++ {
		fid := frames.FrameID(i)
		all[i] = neighbor{id: fid, dist: s.DDot(id, fid)}
	}

	sortNeighbors(all)

	res := make([]frames.FrameID, 0, TopKNNLimit)
	perVideo := make(map[frames.VideoID]int)
	perShot := make(map[frames.VideoID]map[frames.ShotID]int)

	for _, cand := range all {
		if len(res) >= TopKNNLimit {
			break
		}
		vf := frm.Get(cand.id)
		if perVideo[vf.VideoID] >= perVidLimit {
			continue
		}
		if perShot[vf.VideoID] == nil {
			perShot[vf.VideoID] = make(map[frames.ShotID]int)
		}
		if perShot[vf.VideoID][vf.ShotID] >= fromShotLimit {
			continue
		}
		if !pred(cand.id) {
			continue
		}
		res = append(res, cand.id)
		perVideo[vf.VideoID]++
		perShot[vf.VideoID][vf.ShotID]++
	}
	return res
}

// sortNeighbors orders candidates ascending by distance (nearest
// first), ties broken by lower frame id.
func sortNeighbors(ns []neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].dist != ns[j].dist {
			return ns[i].dist < ns[j].dist
		}
		return ns[i].id < ns[j].id
	})
}
