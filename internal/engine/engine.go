// Package engine implements the session state machine that ties the
// scoring, SOM and telemetry subsystems together into the single
// request-response API a host UI drives.
package engine

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/somhunter/somhunter-go/internal/config"
	"github.com/somhunter/somhunter-go/internal/features"
	"github.com/somhunter/somhunter-go/internal/frames"
	"github.com/somhunter/somhunter-go/internal/keywords"
	"github.com/somhunter/somhunter-go/internal/scores"
	"github.com/somhunter/somhunter-go/internal/som"
	"github.com/somhunter/somhunter-go/internal/telemetry"
)

// displayState remembers the most recently computed, unpaged frame
// list for the current DisplayType so that a subsequent page request
// (page > 0) can re-slice instead of recomputing.
type displayState struct {
	displayType DisplayType
	fullList    []frames.FrameID
}

// Engine is the single per-session orchestrator. It is NOT safe for
// concurrent use: callers must serialize engine operations; only the
// SOM worker and telemetry dispatch run on their own goroutines
// underneath it.
type Engine struct {
	frm      *frames.Index
	feats    *features.Store
	kwRanker *keywords.Ranker
	model    *scores.Model
	som      *som.Worker
	sink     *telemetry.Sink

	tunables config.Tunables

	likes map[frames.FrameID]struct{}
	shown map[frames.FrameID]struct{}

	lastTextQuery string
	usedTools     UsedTools

	display displayState

	teamID, memberID int

	mu sync.RWMutex // guards tunables only; see doc comment above
}

// New constructs the engine from cfg: loads the frame index, feature
// store and keyword ranker (any failure here is a configuration
// error), builds the score model and starts the SOM worker and
// telemetry sink. rdb may be nil to disable the SOM ready-notice
// publish; whether telemetry dispatch goes through asynq depends only
// on cfg.RedisURL.
func New(cfg *config.Config, rdb *redis.Client) (*Engine, error) {
	frm, err := frames.New(cfg.Frames)
	if err != nil {
		return nil, fmt.Errorf("engine: loading frame index: %w", err)
	}

	feats, err := features.Load(frm, cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("engine: loading feature store: %w", err)
	}

	kwRanker, err := keywords.New(cfg.Keywords, feats.Dim())
	if err != nil {
		return nil, fmt.Errorf("engine: loading keyword ranker: %w", err)
	}

	sink := telemetry.NewSink(telemetry.Config{
		TeamID:                   cfg.TeamID,
		MemberID:                 cfg.MemberID,
		SubmitEndpoint:           cfg.SubmitEndpoint,
		ArchiveDir:               cfg.ArchiveDir,
		SendLogsToServerPeriodMs: cfg.SendLogsToServerPeriodMs,
		LogReplayTimeoutMs:       cfg.LogReplayTimeoutMs,
		RedisURL:                 cfg.RedisURL,
	})

	e := &Engine{
		frm:      frm,
		feats:    feats,
		kwRanker: kwRanker,
		model:    scores.New(frm),
		som:      som.NewWorker(rdb),
		sink:     sink,
		tunables: cfg.Tunables,
		likes:    make(map[frames.FrameID]struct{}),
		shown:    make(map[frames.FrameID]struct{}),
		teamID:   cfg.TeamID,
		memberID: cfg.MemberID,
	}
	e.startSom()
	return e, nil
}

// ApplyTunables atomically swaps in a hot-reloaded config.Tunables
// snapshot for the engine's own display and top-N use. The telemetry
// sink keeps the submitter timings it was constructed with.
func (e *Engine) ApplyTunables(t config.Tunables) {
	e.mu.Lock()
	e.tunables = t
	e.mu.Unlock()
}

func (e *Engine) getTunables() config.Tunables {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tunables
}

// Close shuts down the SOM worker and telemetry sink, joining the
// worker goroutine before returning.
func (e *Engine) Close() error {
	e.som.Stop()
	return e.sink.Close()
}

func (e *Engine) startSom() {
	e.som.StartWork(e.feats.All(), e.feats.Dim(), e.model.All())
}

// frameValid reports whether id names a real frame. Every public
// method that accepts an external frame id must check this before
// touching session state, so a bad id never mutates anything.
func (e *Engine) frameValid(id frames.FrameID) bool { return e.frm.Valid(id) }

// Rescore applies a new text query to the score model.
// If text equals the last applied query, keyword ranking is skipped
// entirely (scores are left as whatever Bayesian feedback or a prior
// rescore produced). Otherwise, if the query yields at least one
// keyword batch, scores are reset to uniform and the keyword ranker's
// multiplicative update is applied; a query that yields no batches
// leaves the scores as they are. If any frame is
// currently liked, Bayesian feedback is applied afterward using the
// about-to-be-cleared likes/shown sets. The SOM worker is restarted
// with the refreshed scores, and session context (shown, likes, liked
// flags) is cleared for the new query; the used-tools record is reset
// together with the scores so the rescore report describes only the
// operators that shaped the current score vector.
func (e *Engine) Rescore(text string) error {
	e.sink.Poll()

	if text != e.lastTextQuery {
		batches := e.kwRanker.RankSentenceQuery(text)
		if len(batches) > 0 {
			e.model.Reset()
			e.usedTools = UsedTools{}
			e.kwRanker.RankQuery(batches, e.model, e.feats, e.frm)
			e.usedTools.KeywordsUsed = true
		}
		e.lastTextQuery = text
		e.sink.LogAddKeywords(text)
	}

	if len(e.likes) > 0 {
		e.model.ApplyBayes(e.likes, e.shown, e.feats)
		e.usedTools.BayesUsed = true
	}

	e.startSom()

	e.shown = make(map[frames.FrameID]struct{})
	for id := range e.likes {
		e.frm.SetLiked(id, false)
	}
	e.likes = make(map[frames.FrameID]struct{})
	e.display = displayState{}

	e.emitRescoreTelemetry(text, "normal_rescore", e.getTunables())
	return nil
}

func (e *Engine) emitRescoreTelemetry(query, mode string, tn config.Tunables) {
	top := e.model.TopN(e.frm, 10, tn.TopNFramesPerVideo, tn.TopNFramesPerShot)
	results := make([]telemetry.RescoreResult, 0, len(top))
	for _, id := range top {
		vf := e.frm.Get(id)
		results = append(results, telemetry.RescoreResult{
			Video: int(vf.VideoID) + 1,
			Frame: int(vf.FrameNumber),
			Score: e.model.Get(id),
		})
	}
	categories, types := usedToolsStrings(e.usedTools)
	reason := telemetry.RerankReasonString(query, mode, tn.TopNFramesPerVideo)
	e.sink.LogRerank(reason)
	e.sink.RescoreEvent(query, categories, types, []string{reason}, results)
}

// usedToolsStrings flattens UsedTools into the usedCategories/
// usedTypes pair the telemetry wire format expects.
func usedToolsStrings(u UsedTools) (categories, types []string) {
	if u.KeywordsUsed {
		categories = append(categories, "text_query")
		types = append(types, "keywords")
	}
	if u.BayesUsed {
		categories = append(categories, "relevance_feedback")
		types = append(types, "bayes")
	}
	if u.TopKNNUsed {
		categories = append(categories, "navigation")
		types = append(types, "topknn")
	}
	return categories, types
}

// AddLikes inserts each id into the like set, sets its decoration
// flag and emits one like event per id.
func (e *Engine) AddLikes(ids []frames.FrameID) error {
	e.sink.Poll()
	for _, id := range ids {
		if !e.frameValid(id) {
			return fmt.Errorf("%w: %d", ErrFrameNotFound, id)
		}
	}
	for _, id := range ids {
		e.likes[id] = struct{}{}
		e.frm.SetLiked(id, true)
		e.sink.LogLike(int32(id))
	}
	return nil
}

// RemoveLikes is the symmetric inverse of AddLikes: each id is
// removed from the like set, its decoration flag cleared, and one
// dislike event emitted.
func (e *Engine) RemoveLikes(ids []frames.FrameID) error {
	e.sink.Poll()
	for _, id := range ids {
		if !e.frameValid(id) {
			return fmt.Errorf("%w: %d", ErrFrameNotFound, id)
		}
	}
	for _, id := range ids {
		delete(e.likes, id)
		e.frm.SetLiked(id, false)
		e.sink.LogDislike(int32(id))
	}
	return nil
}

// ResetSearchSession resets scores to uniform, clears all session
// context and restarts the SOM worker.
func (e *Engine) ResetSearchSession() error {
	e.sink.Poll()
	e.model.Reset()
	for id := range e.likes {
		e.frm.SetLiked(id, false)
	}
	e.likes = make(map[frames.FrameID]struct{})
	e.shown = make(map[frames.FrameID]struct{})
	e.lastTextQuery = ""
	e.usedTools = UsedTools{}
	e.display = displayState{}
	e.startSom()
	e.sink.LogReset()
	return nil
}

// AutocompleteKeywords delegates to the keyword ranker's prefix
// search and resolves matches back to dictionary records,
// deduplicating keywords matched through more than one synset string.
func (e *Engine) AutocompleteKeywords(prefix string, n int) []keywords.Keyword {
	hits := e.kwRanker.Find(prefix, n)
	seen := make(map[keywords.KeywordID]bool, len(hits))
	out := make([]keywords.Keyword, 0, len(hits))
	for _, h := range hits {
		if seen[h.KeywordID] {
			continue
		}
		seen[h.KeywordID] = true
		out = append(out, e.kwRanker.Keyword(h.KeywordID))
	}
	return out
}

// SomReady reports whether the SOM worker has published a mapping.
func (e *Engine) SomReady() bool { return e.som.Ready() }

// SubmitToServer emits a submit event and dispatches the submission
// to the archival/HTTP sink. The wire format wants a 1-based video id
// and the 0-based intra-video frame number.
func (e *Engine) SubmitToServer(id frames.FrameID) error {
	e.sink.Poll()
	if !e.frameValid(id) {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, id)
	}
	vf := e.frm.Get(id)
	e.sink.Submit(int(vf.VideoID)+1, int(vf.FrameNumber))
	return nil
}
