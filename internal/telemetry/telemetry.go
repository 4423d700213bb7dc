// Package telemetry implements the engine's append-only event backlog
// and its background dispatch. Every engine operation appends zero or
// more events; the backlog is packaged as a single JSON object and
// flushed once send_logs_to_server_period has elapsed since the last
// flush. Submissions are always dispatched immediately, never
// batched. When a Redis queue is configured, dispatch runs as asynq
// tasks consumed by a separate server process; otherwise it runs on a
// detached goroutine.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/somhunter/somhunter-go/internal/archive"
)

// Task type names registered on the asynq mux.
const (
	TaskFlush  = "telemetry:flush"
	TaskSubmit = "telemetry:submit"
)

// Event is one backlog entry of the telemetry wire format.
type Event struct {
	TeamID    int         `json:"teamId"`
	MemberID  int         `json:"memberId"`
	Timestamp int64       `json:"timestamp"`
	Category  string      `json:"category"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value,omitempty"`
}

// flushPayload is the JSON object a backlog flush sends:
// { timestamp, type: "interaction", events: [...] }.
type flushPayload struct {
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Events    []Event `json:"events"`
}

// RescoreResult is one row of a rescore report's results list.
// Video is 1-based; Frame is the 0-based intra-video frame number.
type RescoreResult struct {
	Video int     `json:"video"`
	Frame int     `json:"frame"`
	Score float32 `json:"score"`
}

// RescoreReport is the rescore-style telemetry report emitted by
// Rescore and TopKNN display recomputation.
type RescoreReport struct {
	TeamID                int             `json:"teamId"`
	MemberID              int             `json:"memberId"`
	Timestamp             int64           `json:"timestamp"`
	UsedCategories        []string        `json:"usedCategories"`
	UsedTypes             []string        `json:"usedTypes"`
	SortType              []string        `json:"sortType"`
	ResultSetAvailability string          `json:"resultSetAvailability"`
	Type                  string          `json:"type"`
	Value                 string          `json:"value"`
	Results               []RescoreResult `json:"results"`
}

// submitPayload is the task payload for one known-item submission.
type submitPayload struct {
	TeamID    int   `json:"teamId"`
	MemberID  int   `json:"memberId"`
	Video     int   `json:"video"`
	Frame     int   `json:"frame"`
	Timestamp int64 `json:"timestamp"`
}

// Config configures a Sink.
type Config struct {
	TeamID                   int
	MemberID                 int
	SubmitEndpoint           string
	ArchiveDir               string
	SendLogsToServerPeriodMs int
	LogReplayTimeoutMs       int
	RedisURL                 string
}

// Sink is the append-only telemetry backlog plus its poll-driven
// flush and immediate, asynchronous submit dispatch.
type Sink struct {
	cfg Config

	mu        sync.Mutex
	backlog   []Event
	lastFlush time.Time

	lastScroll      time.Time
	lastVideoReplay map[int]time.Time

	asynqClient *asynq.Client
	archiveDir  string
}

// NewSink constructs a Sink. If cfg.RedisURL is empty or cannot be
// parsed, dispatch runs directly on a detached goroutine instead of
// going through asynq; an unreachable Redis is not detected here, and
// enqueue failures are only logged. Telemetry failures are never
// fatal, and neither is the absence of a queue.
func NewSink(cfg Config) *Sink {
	s := &Sink{
		cfg:             cfg,
		lastFlush:       time.Now(),
		lastVideoReplay: make(map[int]time.Time),
		archiveDir:      cfg.ArchiveDir,
	}
	if cfg.RedisURL != "" {
		if opt, err := asynq.ParseRedisURI(cfg.RedisURL); err == nil {
			s.asynqClient = asynq.NewClient(opt)
		} else {
			log.Printf("telemetry: parsing redis url: %v (falling back to direct dispatch)", err)
		}
	}
	if s.archiveDir != "" {
		if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
			log.Printf("telemetry: creating archive dir %q: %v", s.archiveDir, err)
		}
	}
	return s
}

// Close releases the asynq client, if one was created.
func (s *Sink) Close() error {
	if s.asynqClient != nil {
		return s.asynqClient.Close()
	}
	return nil
}

func (s *Sink) log(category, typ string, value interface{}) {
	s.mu.Lock()
	s.backlog = append(s.backlog, Event{
		TeamID:    s.cfg.TeamID,
		MemberID:  s.cfg.MemberID,
		Timestamp: nowMillis(),
		Category:  category,
		Type:      typ,
		Value:     value,
	})
	s.mu.Unlock()
}

// LogLike/LogDislike record relevance-feedback events
// (engine.AddLikes/RemoveLikes).
func (s *Sink) LogLike(frameID int32)    { s.log("relevance_feedback", "like", frameID) }
func (s *Sink) LogDislike(frameID int32) { s.log("relevance_feedback", "dislike", frameID) }

// LogShowDisplay records a show_*_display event.
func (s *Sink) LogShowDisplay(displayType string, page int) {
	s.log("navigation", "show_"+displayType+"_display", page)
}

// LogReset records a session reset.
func (s *Sink) LogReset() { s.log("navigation", "reset", nil) }

// LogAddKeywords records a text-query submission.
func (s *Sink) LogAddKeywords(query string) { s.log("text_query", "add_keywords", query) }

// LogScroll records a scroll event, debounced by LogReplayTimeoutMs.
// Not invoked by any Engine operation; available for a host UI to
// call directly.
func (s *Sink) LogScroll(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastScroll) < time.Duration(s.cfg.LogReplayTimeoutMs)*time.Millisecond {
		return
	}
	s.lastScroll = now
	s.backlog = append(s.backlog, Event{
		TeamID: s.cfg.TeamID, MemberID: s.cfg.MemberID,
		Timestamp: nowMillis(), Category: "navigation", Type: "scroll", Value: delta,
	})
}

// LogVideoReplay records a video-replay event for videoID, debounced
// per-video by LogReplayTimeoutMs.
func (s *Sink) LogVideoReplay(videoID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastVideoReplay[videoID]; ok && now.Sub(last) < time.Duration(s.cfg.LogReplayTimeoutMs)*time.Millisecond {
		return
	}
	s.lastVideoReplay[videoID] = now
	s.backlog = append(s.backlog, Event{
		TeamID: s.cfg.TeamID, MemberID: s.cfg.MemberID,
		Timestamp: nowMillis(), Category: "navigation", Type: "show_video_replay", Value: videoID,
	})
}

// RerankReasonString composes the rerank telemetry reason string:
// "<query>;normal_rescore;from_video_limit=N" for a plain rescore, or
// "<query>;show_knn;..." for a TopKNN-triggered rescore.
func RerankReasonString(query, mode string, fromVideoLimit int) string {
	if mode == "show_knn" {
		return fmt.Sprintf("%s;show_knn;from_video_limit=%d", query, fromVideoLimit)
	}
	return fmt.Sprintf("%s;normal_rescore;from_video_limit=%d", query, fromVideoLimit)
}

// LogRerank records a rerank event carrying the composed reason string.
func (s *Sink) LogRerank(reason string) { s.log("text_query", "rerank", reason) }

// Poll flushes the backlog if more than SendLogsToServerPeriodMs has
// elapsed since the last flush. Call this at the top of every Engine
// method.
func (s *Sink) Poll() {
	s.mu.Lock()
	elapsed := time.Since(s.lastFlush)
	due := elapsed >= time.Duration(s.cfg.SendLogsToServerPeriodMs)*time.Millisecond
	if !due || len(s.backlog) == 0 {
		s.mu.Unlock()
		return
	}
	events := s.backlog
	s.backlog = nil
	s.lastFlush = time.Now()
	s.mu.Unlock()

	s.dispatchFlush(events)
}

func (s *Sink) dispatchFlush(events []Event) {
	payload := flushPayload{Timestamp: nowMillis(), Type: "interaction", Events: events}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("telemetry: marshaling flush: %v", err)
		return
	}

	if s.asynqClient != nil {
		task := asynq.NewTask(TaskFlush, body)
		if _, err := s.asynqClient.Enqueue(task); err != nil {
			log.Printf("telemetry: enqueuing flush: %v", err)
		}
		return
	}

	go func() {
		if err := handleFlushPayload(context.Background(), body, nil, s.archiveDir, s.cfg.TeamID, s.cfg.MemberID); err != nil {
			log.Printf("telemetry: direct flush: %v", err)
		}
	}()
}

// RescoreEvent emits a rescore-style telemetry report. It is always
// flushed immediately, like a submission: a host dashboard wants
// rescore feedback with minimal latency.
func (s *Sink) RescoreEvent(query string, usedCategories, usedTypes, sortType []string, results []RescoreResult) {
	report := RescoreReport{
		TeamID: s.cfg.TeamID, MemberID: s.cfg.MemberID, Timestamp: nowMillis(),
		UsedCategories: usedCategories, UsedTypes: usedTypes, SortType: sortType,
		ResultSetAvailability: "top", Type: "result", Value: query, Results: results,
	}
	body, err := json.Marshal(report)
	if err != nil {
		log.Printf("telemetry: marshaling rescore report: %v", err)
		return
	}

	if s.asynqClient != nil {
		task := asynq.NewTask(TaskFlush, body)
		if _, err := s.asynqClient.Enqueue(task); err != nil {
			log.Printf("telemetry: enqueuing rescore report: %v", err)
		}
		return
	}
	go func() {
		if err := handleFlushPayload(context.Background(), body, nil, s.archiveDir, s.cfg.TeamID, s.cfg.MemberID); err != nil {
			log.Printf("telemetry: direct rescore report: %v", err)
		}
	}()
}

// Submit dispatches one known-item submission: HTTP POST to the
// configured endpoint plus a timestamped archive file, always in its
// own dispatch rather than waiting for the next backlog flush. video
// is 1-based, frame is the 0-based intra-video frame number.
func (s *Sink) Submit(video, frame int) {
	s.log("submit", "submit", map[string]int{"video": video, "frame": frame})

	payload := submitPayload{
		TeamID: s.cfg.TeamID, MemberID: s.cfg.MemberID,
		Video: video, Frame: frame, Timestamp: nowMillis(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("telemetry: marshaling submission: %v", err)
		return
	}

	if s.asynqClient != nil {
		task := asynq.NewTask(TaskSubmit, body)
		if _, err := s.asynqClient.Enqueue(task, asynq.Queue("critical")); err != nil {
			log.Printf("telemetry: enqueuing submission: %v", err)
		}
		return
	}

	go func() {
		if err := handleSubmitPayload(context.Background(), body, nil, s.archiveDir, s.cfg.SubmitEndpoint); err != nil {
			log.Printf("telemetry: direct submit: %v", err)
		}
	}()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// NewMux builds an asynq.ServeMux handling the flush and submit task
// types, for cmd/somhunter serve to run an asynq.Server against.
func NewMux(store *archive.Store, archiveDir, submitEndpoint string) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskFlush, func(ctx context.Context, t *asynq.Task) error {
		return handleFlushPayload(ctx, t.Payload(), store, archiveDir, 0, 0)
	})
	mux.HandleFunc(TaskSubmit, func(ctx context.Context, t *asynq.Task) error {
		return handleSubmitPayload(ctx, t.Payload(), store, archiveDir, submitEndpoint)
	})
	return mux
}

func handleFlushPayload(ctx context.Context, body []byte, store *archive.Store, archiveDir string, teamID, memberID int) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("telemetry: unmarshaling flush payload: %w", err)
	}

	// Rescore reports share the flush task type; tell them apart by the
	// wire format's type tag ("result" vs. "interaction").
	if probe.Type == "result" {
		var report RescoreReport
		if err := json.Unmarshal(body, &report); err != nil {
			return fmt.Errorf("telemetry: unmarshaling rescore report: %w", err)
		}
		if err := writeTimestampedFile(archiveDir, "rescore", body); err != nil {
			log.Printf("telemetry: writing rescore archive file: %v", err)
		}
		return store.StoreRescoreReport(ctx, report.TeamID, report.MemberID, time.UnixMilli(report.Timestamp),
			report.UsedCategories, report.UsedTypes, report.SortType, report.Results)
	}

	var payload flushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("telemetry: unmarshaling flush payload: %w", err)
	}

	if err := writeTimestampedFile(archiveDir, "flush", body); err != nil {
		log.Printf("telemetry: writing flush archive file: %v", err)
	}
	return store.StoreFlush(ctx, teamID, memberID, time.UnixMilli(payload.Timestamp), payload.Events)
}

func handleSubmitPayload(ctx context.Context, body []byte, store *archive.Store, archiveDir, submitEndpoint string) error {
	var payload submitPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("telemetry: unmarshaling submit payload: %w", err)
	}

	if err := writeTimestampedFile(archiveDir, "submit", body); err != nil {
		log.Printf("telemetry: writing submit archive file: %v", err)
	}

	if submitEndpoint != "" {
		if err := postSubmission(ctx, submitEndpoint, payload); err != nil {
			log.Printf("telemetry: HTTP submit failed: %v", err)
		}
	}

	return store.StoreSubmission(ctx, payload.TeamID, payload.MemberID, payload.Video, payload.Frame, time.UnixMilli(payload.Timestamp))
}

// postSubmission POSTs the submission as query parameters: team,
// member, video (1-based), frame.
func postSubmission(ctx context.Context, endpoint string, p submitPayload) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parsing submit endpoint: %w", err)
	}
	q := u.Query()
	q.Set("team", fmt.Sprint(p.TeamID))
	q.Set("member", fmt.Sprint(p.MemberID))
	q.Set("video", fmt.Sprint(p.Video))
	q.Set("frame", fmt.Sprint(p.Frame))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func writeTimestampedFile(dir, kind string, body []byte) error {
	if dir == "" {
		return nil
	}
	name := fmt.Sprintf("%s-%d-%s.json", kind, time.Now().UnixNano(), uuid.NewString())
	return os.WriteFile(filepath.Join(dir, name), body, 0o644)
}
