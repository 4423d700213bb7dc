package engine

import (
	"errors"

	"github.com/somhunter/somhunter-go/internal/frames"
)

// DisplayType tags the kind of display a host UI requests:
// "topn", "topnctx", "som", "detail", "topknn" or "random".
type DisplayType string

const (
	DisplayTopN     DisplayType = "topn"
	DisplayTopNCtx  DisplayType = "topnctx"
	DisplaySOM      DisplayType = "som"
	DisplayDetail   DisplayType = "detail"
	DisplayTopKNN   DisplayType = "topknn"
	DisplayRandom   DisplayType = "random"
)

// DisplayFrame is one entry of a Display's frames list. ID is nil for
// an empty SOM cell or an out-of-video context slot.
type DisplayFrame struct {
	ID    *frames.FrameID `json:"id,omitempty"`
	Liked bool            `json:"liked"`
	Src   string          `json:"src"`
}

// Display is the paged, decorated frame list returned by GetDisplay.
type Display struct {
	Page   int            `json:"page"`
	Type   DisplayType    `json:"type"`
	Frames []DisplayFrame `json:"frames"`
}

// UsedTools records which rescoring operators contributed to the
// current score vector, for telemetry.
type UsedTools struct {
	KeywordsUsed bool
	BayesUsed    bool
	TopKNNUsed   bool
}

// Sentinel input errors: reported to the caller, session state
// unchanged.
var (
	ErrUnknownDisplayType = errors.New("engine: unknown display type")
	ErrFrameNotFound      = errors.New("engine: frame id out of range")
	ErrInvalidQuery       = errors.New("engine: invalid query")
)
