// Package config loads the engine's JSON configuration (dataset file
// paths, filename-parsing offsets, display/top-N tuning, submitter
// endpoint, team/member ids, archive directory) and layers
// environment-variable overrides for runtime infrastructure
// (Redis/Postgres URLs). A background fsnotify watcher re-reads the
// tunable subset (display/top-N/submitter knobs) without a restart; a
// running engine applies the display and top-N knobs, while its
// telemetry sink keeps the submitter timings it started with. Dataset
// files are immutable after construction and never reloaded.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/somhunter/somhunter-go/internal/features"
	"github.com/somhunter/somhunter-go/internal/frames"
	"github.com/somhunter/somhunter-go/internal/keywords"
)

// Tunables is the subset of configuration that may be hot-reloaded
// from disk while the engine is running. Dataset file paths and
// offsets are deliberately excluded: an edit to the config file must
// never invalidate an already-loaded frame index or feature store
// mid-session.
type Tunables struct {
	DisplayPageSize          int `json:"display_page_size"`
	TopNFramesPerVideo       int `json:"topn_frames_per_video"`
	TopNFramesPerShot        int `json:"topn_frames_per_shot"`
	TopKNNFramesPerVideo     int `json:"topknn_frames_per_video"`
	TopKNNFramesPerShot      int `json:"topknn_frames_per_shot"`
	SendLogsToServerPeriodMs int `json:"send_logs_to_server_period"`
	LogReplayTimeoutMs       int `json:"log_replay_timeout"`
}

// Config is the full engine configuration.
type Config struct {
	Frames   frames.Config   `json:"frames"`
	Features features.Config `json:"features"`
	Keywords keywords.Config `json:"keywords"`
	Tunables

	TeamID         int    `json:"team_id"`
	MemberID       int    `json:"member_id"`
	SubmitEndpoint string `json:"submit_endpoint"`
	ArchiveDir     string `json:"archive_dir"`

	// Runtime-only fields: never read from the JSON file, always from
	// the environment.
	RedisURL    string `json:"-"`
	PostgresURL string `json:"-"`
}

// defaultTunables supplies the compiled-in defaults so a config file
// may omit any of these fields.
func defaultTunables() Tunables {
	return Tunables{
		DisplayPageSize:          30,
		TopNFramesPerVideo:       0,
		TopNFramesPerShot:        0,
		TopKNNFramesPerVideo:     0,
		TopKNNFramesPerShot:      0,
		SendLogsToServerPeriodMs: 30000,
		LogReplayTimeoutMs:       5000,
	}
}

// Load reads and validates the JSON configuration file at path, then
// applies environment overrides for the runtime-only fields. Any
// error here must be fatal at the caller's construction site.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	cfg := &Config{Tunables: defaultTunables()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	if cfg.Frames.FramesListFile == "" {
		return nil, fmt.Errorf("config: frames.frames_list_file is required")
	}
	if cfg.Features.FeaturesFile == "" {
		return nil, fmt.Errorf("config: features.features_file is required")
	}
	if cfg.Keywords.KwsFile == "" {
		return nil, fmt.Errorf("config: keywords.kws_file is required")
	}

	// Both are opt-in: an empty value leaves telemetry dispatching
	// inline and archival disabled rather than pointing at
	// infrastructure nobody configured.
	cfg.RedisURL = getEnv("SOMHUNTER_REDIS_URL", "")
	cfg.PostgresURL = getEnv("SOMHUNTER_POSTGRES_URL", "")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Watcher hot-reloads a Config's Tunables from its source file
// whenever it changes on disk, publishing each new snapshot on a
// buffered channel. Dataset fields are parsed but intentionally
// discarded on reload (see Tunables' doc comment).
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu  sync.RWMutex
	cur Tunables

	updates chan Tunables
}

// WatchTunables starts watching path for changes and returns a
// Watcher seeded with initial's current tunables. Call Close to stop
// watching.
func WatchTunables(path string, initial Tunables) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %q: %w", path, err)
	}

	w := &Watcher{path: path, fsw: fsw, cur: initial, updates: make(chan Tunables, 1)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Printf("config: reload %q: %v", w.path, err)
		return
	}
	next := Config{Tunables: defaultTunables()}
	if err := json.Unmarshal(data, &next); err != nil {
		log.Printf("config: reload %q: %v", w.path, err)
		return
	}

	w.mu.Lock()
	w.cur = next.Tunables
	w.mu.Unlock()

	select {
	case w.updates <- next.Tunables:
	default:
		// drain the stale pending update and push the fresh one
		select {
		case <-w.updates:
		default:
		}
		w.updates <- next.Tunables
	}
}

// Current returns the most recently loaded Tunables snapshot.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Updates returns a channel delivering each new Tunables snapshot as
// the watched file changes.
func (w *Watcher) Updates() <-chan Tunables { return w.updates }

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
