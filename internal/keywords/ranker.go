package keywords

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/somhunter/somhunter-go/internal/features"
	"github.com/somhunter/somhunter-go/internal/frames"
	"github.com/somhunter/somhunter-go/internal/scores"
	"github.com/somhunter/somhunter-go/internal/vecmath"
)

// MaxNumTempQueries and KWTemporalSpan bound the recursive temporal
// scoring walk: at most MaxNumTempQueries query batches, each looking
// KWTemporalSpan frames ahead.
const (
	MaxNumTempQueries = 2
	KWTemporalSpan    = 5
)

// Batch is one positive-keyword group of a temporal query (one "step"
// of a "kw1 kw2 >> kw3" sentence query).
type Batch []KeywordID

// Ranker holds the loaded dictionary and embedding matrices.
type Ranker struct {
	keywords  []Keyword
	kwFeats   [][]float32 // kw_scores_mat, one row per keyword id
	kwBias    []float32
	pcaMat    [][]float32
	pcaMean   []float32
	pcaMatDim int
}

// New loads the dictionary and embedding matrices described by cfg. It
// fails construction (rather than panicking later) if the feature
// store's dimensionality does not match kw_PCA_mat_dim, since every
// query embedding is compared against feature-store rows by that width.
func New(cfg Config, featDim int) (*Ranker, error) {
	kws, err := parseKwClassesFile(cfg.KwsFile)
	if err != nil {
		return nil, err
	}
	kwFeats, err := parseFloatMatrix(cfg.KwScoresMatFile, cfg.PrePCAFeaturesDim, 0)
	if err != nil {
		return nil, err
	}
	kwBias, err := parseFloatVector(cfg.KwBiasVecFile, cfg.PrePCAFeaturesDim, 0)
	if err != nil {
		return nil, err
	}
	pcaMat, err := parseFloatMatrix(cfg.KwPCAMatFile, cfg.PrePCAFeaturesDim, 0)
	if err != nil {
		return nil, err
	}
	pcaMean, err := parseFloatVector(cfg.KwPCAMeanVecFile, cfg.PrePCAFeaturesDim, 0)
	if err != nil {
		return nil, err
	}
	if cfg.KwPCAMatDim != featDim {
		return nil, fmt.Errorf("keywords: kw_PCA_mat_dim (%d) does not match feature store dimension (%d)", cfg.KwPCAMatDim, featDim)
	}

	return &Ranker{
		keywords:  kws,
		kwFeats:   kwFeats,
		kwBias:    kwBias,
		pcaMat:    pcaMat,
		pcaMean:   pcaMean,
		pcaMatDim: cfg.KwPCAMatDim,
	}, nil
}

// Keyword returns the dictionary entry for idx.
func (r *Ranker) Keyword(idx KeywordID) Keyword { return r.keywords[idx] }

// Find implements the two-bucket prefix search: matches whose synset
// string begins with search are collected, sorted lexicographically by
// the matched string, and returned ahead of non-prefix substring
// matches (kept in encounter order), truncated to numLimit.
func (r *Ranker) Find(search string, numLimit int) []KwSearchID {
	var prefixHits, substrHits []KwSearchID

	for _, kw := range r.keywords {
		for j, s := range kw.SynsetStrs {
			idx := strings.Index(s, search)
			if idx < 0 {
				continue
			}
			if idx == 0 {
				prefixHits = append(prefixHits, KwSearchID{KeywordID: kw.ID, SynsetIndex: j})
			} else {
				substrHits = append(substrHits, KwSearchID{KeywordID: kw.ID, SynsetIndex: j})
			}
		}
	}

	sortByMatchedString(prefixHits, r.keywords)
	all := append(prefixHits, substrHits...)

	if numLimit > 0 && len(all) > numLimit {
		all = all[:numLimit]
	}
	return all
}

func sortByMatchedString(hits []KwSearchID, kws []Keyword) {
	sort.Slice(hits, func(i, j int) bool {
		return kws[hits[i].KeywordID].SynsetStrs[hits[i].SynsetIndex] <
			kws[hits[j].KeywordID].SynsetStrs[hits[j].SynsetIndex]
	})
}

const illegalChars = "\\/?!,.'\""

// RankSentenceQuery strips punctuation, tokenizes on whitespace, and
// splits the token stream into temporal batches on `>>`/`>` separators,
// resolving each remaining token to its best-matching keyword id.
func (r *Ranker) RankSentenceQuery(sentence string) []Batch {
	cleaned := strings.Map(func(c rune) rune {
		if strings.ContainsRune(illegalChars, c) {
			return ' '
		}
		return c
	}, sentence)

	tokens := strings.Fields(cleaned)
	if len(tokens) == 0 {
		return nil
	}

	var batches []Batch
	var cur Batch
	for _, tok := range tokens {
		if tok == ">>" || tok == ">" {
			if len(cur) == 0 {
				continue
			}
			batches = append(batches, cur)
			cur = nil
			continue
		}
		hits := r.Find(tok, 1)
		if len(hits) > 0 {
			cur = append(cur, hits[0].KeywordID)
		}
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// EmbedBatch projects one positive-keyword batch into the PCA query
// space: sum the batch's keyword feature rows, add the bias vector,
// apply tanh, L2-normalize, subtract the PCA mean, multiply by the PCA
// matrix, and L2-normalize again.
func (r *Ranker) EmbedBatch(batch Batch) []float32 {
	vec := make([]float32, len(r.kwBias))
	for _, id := range batch {
		row := r.kwFeats[id]
		for i, v := range row {
			vec[i] += v
		}
	}
	for i, v := range r.kwBias {
		vec[i] += v
	}
	for i, v := range vec {
		vec[i] = float32(math.Tanh(float64(v)))
	}

	l2Normalize(vec)
	for i := range vec {
		vec[i] -= r.pcaMean[i]
	}

	projected := matVecProd(r.pcaMat, vec)
	l2Normalize(projected)
	return projected
}

func l2Normalize(v []float32) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range v {
		v[i] /= norm
	}
}

// matVecProd multiplies an M×K matrix (rows of length K) by a K-vector,
// returning an M-vector.
func matVecProd(mat [][]float32, v []float32) []float32 {
	res := make([]float32, len(mat))
	for i, row := range mat {
		res[i] = vecmath.Dot(row, v)
	}
	return res
}

// tempDistCache memoizes, per temporal-query index, the (NaN until
// filled) half-cosine distance of every frame to that query vector.
type tempDistCache [][]float32

func newTempDistCache(numQueries, numFrames int) tempDistCache {
	c := make(tempDistCache, numQueries)
	for i := range c {
		row := make([]float32, numFrames)
		for j := range row {
			row[j] = float32(math.NaN())
		}
		c[i] = row
	}
	return c
}

// scoreTemporal recurses over successor frames within the same video,
// applying later temporal-query batches and multiplying in their
// minimum distance.
func scoreTemporal(cache tempDistCache, frm *frames.Index, feats *features.Store, imgID frames.FrameID, queries [][]float32, queryIdx int, resultDist float32) float32 {
	if queryIdx >= len(queries) || queryIdx >= MaxNumTempQueries {
		return resultDist
	}

	localMinDist := float32(1.0)
	videoID := frm.VideoOf(imgID)
	found := false

	for step := 0; step < KWTemporalSpan; step++ {
		succID := imgID + frames.FrameID(step) + 1
		if !frm.Valid(succID) || frm.VideoOf(succID) != videoID {
			break
		}
		found = true

		dist := cache[queryIdx][succID]
		if math.IsNaN(float64(dist)) {
			dist = vecmath.CosNormalized(queries[queryIdx], feats.Vector(succID)) / 2
			cache[queryIdx][succID] = dist
		}

		dist = scoreTemporal(cache, frm, feats, succID, queries, queryIdx+1, dist)
		if dist < localMinDist {
			localMinDist = dist
		}
	}

	if !found {
		return resultDist
	}
	return resultDist * localMinDist
}

// getSortedFrames embeds every positive batch, scores every frame in
// the dataset by half-cosine distance to the first batch (adjusted by
// later batches' temporal contribution), and returns frames sorted
// ascending by distance.
func (r *Ranker) getSortedFrames(positive []Batch, feats *features.Store, frm *frames.Index) []frameDist {
	queries := make([][]float32, len(positive))
	for i, b := range positive {
		queries[i] = r.EmbedBatch(b)
	}

	cache := newTempDistCache(len(queries), frm.Size())

	result := make([]frameDist, feats.Size())
	for imgID := 0; imgID < feats.Size(); imgID++ {
		fid := frames.FrameID(imgID)
		dist := cache[0][fid]
		if math.IsNaN(float64(dist)) {
			dist = vecmath.CosNormalized(queries[0], feats.Vector(fid)) / 2
			cache[0][fid] = dist
		}
		dist = scoreTemporal(cache, frm, feats, fid, queries, 1, dist)
		result[imgID] = frameDist{id: fid, dist: dist}
	}

	sortFrameDistAsc(result)
	return result
}

type frameDist struct {
	id   frames.FrameID
	dist float32
}

func sortFrameDistAsc(fs []frameDist) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].dist < fs[j].dist })
}

// RankQuery embeds and scores every positive batch against the score
// model: each frame's score is multiplied by exp(-42*dist), then the
// model is renormalized.
func (r *Ranker) RankQuery(positive []Batch, model *scores.Model, feats *features.Store, frm *frames.Index) {
	if len(positive) == 0 {
		return
	}
	sorted := r.getSortedFrames(positive, feats, frm)
	for _, fd := range sorted {
		model.Adjust(fd.id, float32(math.Exp(float64(fd.dist)*-42)))
	}
	model.Normalize()
}

// RankSentence is the sentence-query convenience wrapper around
// RankSentenceQuery + RankQuery.
func (r *Ranker) RankSentence(sentence string, model *scores.Model, feats *features.Store, frm *frames.Index) {
	batches := r.RankSentenceQuery(sentence)
	r.RankQuery(batches, model, feats, frm)
}
