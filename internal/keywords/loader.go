// Package keywords implements the text-to-frame keyword ranker: the
// synset dictionary, prefix search, sentence-to-temporal-batch parsing,
// keyword-to-embedding projection and the resulting score-model update.
package keywords

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/somhunter/somhunter-go/internal/frames"
)

// KeywordID identifies one synset/keyword class.
type KeywordID int32

// Keyword is one entry of the dictionary (KeywordRanker.h's Keyword).
type Keyword struct {
	ID          KeywordID
	SynsetID    int64
	SynsetStrs  []string
	TopExamples []frames.FrameID
}

// KwSearchID pairs a matched keyword with which of its synset strings
// matched.
type KwSearchID struct {
	KeywordID   KeywordID
	SynsetIndex int
}

// Config configures a Ranker's backing files.
type Config struct {
	KwsFile           string `json:"kws_file"`
	KwScoresMatFile   string `json:"kw_scores_mat_file"`
	KwBiasVecFile     string `json:"kw_bias_vec_file"`
	KwPCAMatFile      string `json:"kw_pca_mat_file"`
	KwPCAMeanVecFile  string `json:"kw_pca_mean_vec_file"`
	PrePCAFeaturesDim int    `json:"pre_pca_features_dim"`
	KwPCAMatDim       int    `json:"kw_pca_mat_dim"`
}

// parseKwClassesFile loads the synset dictionary: each line is
// colon-separated `synset_strings:synset_id[:top_example_ids]`, where
// top_example_ids (if present) is '#'-joined. Keywords are sorted by ID
// ascending after parsing.
func parseKwClassesFile(path string) ([]Keyword, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keywords: opening %q: %w", path, err)
	}
	defer f.Close()

	var result []Keyword
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tokens := strings.Split(line, ":")
		if len(tokens) < 2 {
			return nil, fmt.Errorf("keywords: malformed line %q", line)
		}
		synsetID, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("keywords: parsing synset id in %q: %w", line, err)
		}

		var topEx []frames.FrameID
		if len(tokens) > 2 && tokens[2] != "" {
			for _, t := range strings.Split(tokens[2], "#") {
				v, err := strconv.ParseInt(t, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("keywords: parsing example id in %q: %w", line, err)
				}
				topEx = append(topEx, frames.FrameID(v))
			}
		}

		result = append(result, Keyword{
			ID:          KeywordID(synsetID),
			SynsetID:    synsetID,
			SynsetStrs:  []string{tokens[0]},
			TopExamples: topEx,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("keywords: reading %q: %w", path, err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// parseFloatVector reads one row of dim little-endian float32s after
// skipping beginOffset bytes.
func parseFloatVector(path string, dim int, beginOffset int64) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keywords: opening %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(beginOffset, 0); err != nil {
		return nil, fmt.Errorf("keywords: seeking in %q: %w", path, err)
	}

	vec := make([]float32, dim)
	if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("keywords: reading vector from %q: %w", path, err)
	}
	return vec, nil
}

// parseFloatMatrix reads consecutive rowDim-wide little-endian float32
// rows until EOF, after skipping beginOffset bytes.
func parseFloatMatrix(path string, rowDim int, beginOffset int64) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keywords: opening %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(beginOffset, 0); err != nil {
		return nil, fmt.Errorf("keywords: seeking in %q: %w", path, err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	var rows [][]float32
	for {
		row := make([]float32, rowDim)
		if err := binary.Read(br, binary.LittleEndian, row); err != nil {
			break
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("keywords: empty matrix file %q", path)
	}
	return rows, nil
}
