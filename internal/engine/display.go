package engine

import (
	"fmt"

	"github.com/somhunter/somhunter-go/internal/frames"
)

// GetDisplay assembles one page of the requested display type,
// recomputing the underlying unpaged list only when the previous
// display was a different type or page == 0. Every non-null frame id
// placed on the returned page is added to the session's shown
// context.
func (e *Engine) GetDisplay(displayType DisplayType, selected frames.FrameID, page int) (Display, error) {
	e.sink.Poll()
	tn := e.getTunables()

	switch displayType {
	case DisplayTopN:
		return e.pagedDisplay(DisplayTopN, page, func() []frames.FrameID {
			return e.model.TopN(e.frm, TopNLimit, tn.TopNFramesPerVideo, tn.TopNFramesPerShot)
		})

	case DisplayTopNCtx:
		return e.pagedDisplay(DisplayTopNCtx, page, func() []frames.FrameID {
			return e.model.TopNWithContext(e.frm, TopNLimit, tn.TopNFramesPerVideo, tn.TopNFramesPerShot)
		})

	case DisplaySOM:
		return e.somDisplay()

	case DisplayDetail:
		if !e.frameValid(selected) {
			return Display{}, fmt.Errorf("%w: %d", ErrFrameNotFound, selected)
		}
		r := e.frm.VideoRange(e.frm.VideoOf(selected))
		ids := make([]frames.FrameID, 0, r.Len())
		for i := r.Begin; i < r.End; i++ {
			ids = append(ids, i)
		}
		for _, id := range ids {
			e.shown[id] = struct{}{}
		}
		e.sink.LogShowDisplay(string(DisplayDetail), 0)
		return Display{Page: 0, Type: DisplayDetail, Frames: e.decorate(ids)}, nil

	case DisplayTopKNN:
		if !e.frameValid(selected) {
			return Display{}, fmt.Errorf("%w: %d", ErrFrameNotFound, selected)
		}
		d, err := e.pagedDisplay(DisplayTopKNN, page, func() []frames.FrameID {
			e.usedTools.TopKNNUsed = true
			ids := e.feats.TopKNN(e.frm, selected, nil, tn.TopKNNFramesPerVideo, tn.TopKNNFramesPerShot)
			e.emitRescoreTelemetry(e.lastTextQuery, "show_knn", tn)
			return ids
		})
		return d, err

	case DisplayRandom:
		ids := e.model.WeightedSample(RandomDisplaySize, RandomDisplayWeight)
		for _, id := range ids {
			e.shown[id] = struct{}{}
		}
		e.sink.LogShowDisplay(string(DisplayRandom), 0)
		return Display{Page: 0, Type: DisplayRandom, Frames: e.decorate(ids)}, nil

	default:
		return Display{}, fmt.Errorf("%w: %q", ErrUnknownDisplayType, displayType)
	}
}

// pagedDisplay recomputes the current display's full (unpaged) list
// via compute when the previous display wasn't displayType or page is
// 0, then slices [page*P, (page+1)*P) with both ends clamped to the
// list's bounds.
func (e *Engine) pagedDisplay(displayType DisplayType, page int, compute func() []frames.FrameID) (Display, error) {
	if e.display.displayType != displayType || page == 0 {
		e.display = displayState{displayType: displayType, fullList: compute()}
	}

	tn := e.getTunables()
	pageSize := tn.DisplayPageSize
	if pageSize <= 0 {
		pageSize = len(e.display.fullList)
	}

	start := page * pageSize
	if start > len(e.display.fullList) {
		start = len(e.display.fullList)
	}
	end := start + pageSize
	if end > len(e.display.fullList) {
		end = len(e.display.fullList)
	}

	slice := e.display.fullList[start:end]
	for _, id := range slice {
		if id != frames.NullFrameID {
			e.shown[id] = struct{}{}
		}
	}

	e.sink.LogShowDisplay(string(displayType), page)
	return Display{Page: page, Type: displayType, Frames: e.decorate(slice)}, nil
}

// somDisplay picks one representative frame per SOM cell, weighted by
// current score, leaving empty cells as a null sentinel. Returns an
// empty display, not an error, if the SOM worker hasn't published a
// mapping yet.
func (e *Engine) somDisplay() (Display, error) {
	if !e.som.Ready() {
		return Display{Type: DisplaySOM}, nil
	}

	const cells = SomDisplayGridWidth * SomDisplayGridHeight
	ids := make([]frames.FrameID, cells)
	for c := 0; c < cells; c++ {
		members := e.som.Map(c)
		if len(members) == 0 {
			ids[c] = frames.NullFrameID
			continue
		}
		ids[c] = e.model.WeightedExample(members)
	}

	for _, id := range ids {
		if id != frames.NullFrameID {
			e.shown[id] = struct{}{}
		}
	}

	e.sink.LogShowDisplay(string(DisplaySOM), 0)
	return Display{Page: 0, Type: DisplaySOM, Frames: e.decorate(ids)}, nil
}

// decorate resolves frame ids into wire DisplayFrames, mapping
// NullFrameID to an id-less empty-cell entry.
func (e *Engine) decorate(ids []frames.FrameID) []DisplayFrame {
	out := make([]DisplayFrame, len(ids))
	for i, id := range ids {
		if id == frames.NullFrameID {
			out[i] = DisplayFrame{}
			continue
		}
		vf := e.frm.Get(id)
		idCopy := id
		out[i] = DisplayFrame{ID: &idCopy, Liked: vf.Liked, Src: e.frm.Path(id)}
	}
	return out
}
