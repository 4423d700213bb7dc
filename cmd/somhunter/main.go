// Command somhunter hosts the known-item retrieval engine: an asynq
// task server for background telemetry dispatch ("serve"), a
// JSON-over-stdin/stdout driver for an embedding UI process
// ("session"), and an interactive terminal reference client
// ("browse").
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/somhunter/somhunter-go/internal/archive"
	"github.com/somhunter/somhunter-go/internal/config"
	"github.com/somhunter/somhunter-go/internal/engine"
	"github.com/somhunter/somhunter-go/internal/frames"
	"github.com/somhunter/somhunter-go/internal/telemetry"
	"github.com/somhunter/somhunter-go/internal/tui"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "somhunter",
		Short: "Single-session known-item video retrieval engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the engine JSON configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSessionCmd(&configPath))
	root.AddCommand(newBrowseCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildEngine connects an optional Redis client and constructs the
// engine (engine.New's own errors are always a configuration error,
// so log.Fatalf here rather than propagate).
func buildEngine(cfg *config.Config) *engine.Engine {
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
			rdb = redis.NewClient(opt)
		} else {
			log.Printf("WARNING: parsing redis url %q: %v (SOM ready-notice publish disabled)", cfg.RedisURL, err)
		}
	}

	e, err := engine.New(cfg, rdb)
	if err != nil {
		log.Fatalf("constructing engine: %v", err)
	}
	return e
}

// newServeCmd constructs every subsystem, starts the asynq task
// server driving telemetry dispatch, and blocks until a shutdown
// signal arrives.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine plus its telemetry dispatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Println("somhunter serve starting...")

			cfg, err := config.Load(*configPath)
			if err != nil {
				log.Fatalf("loading config %q: %v", *configPath, err)
			}

			var store *archive.Store
			if cfg.PostgresURL != "" {
				store, err = archive.Open(cfg.PostgresURL)
				if err != nil {
					log.Printf("WARNING: archive unavailable: %v", err)
					store = nil
				} else {
					log.Println("✓ archive store connected")
					defer store.Close()
				}
			}

			watcher, err := config.WatchTunables(*configPath, cfg.Tunables)
			if err != nil {
				log.Printf("WARNING: tunables hot-reload disabled: %v", err)
			} else {
				defer watcher.Close()
				log.Println("✓ watching config for tunable changes")
			}

			e := buildEngine(cfg)
			defer e.Close()
			log.Println("✓ engine initialized")

			if watcher != nil {
				go func() {
					for t := range watcher.Updates() {
						e.ApplyTunables(t)
						log.Println("✓ applied reloaded tunables")
					}
				}()
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			if cfg.RedisURL == "" {
				log.Println("INFO: no redis configured, telemetry dispatch runs inline; waiting for shutdown signal")
				<-sigChan
				return nil
			}

			redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				log.Fatalf("parsing redis url for asynq: %v", err)
			}
			server := asynq.NewServer(redisOpt, asynq.Config{
				Concurrency: 4,
				Queues: map[string]int{
					"critical": 6,
					"default":  3,
				},
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					log.Printf("telemetry task %s failed: %v", task.Type(), err)
				}),
			})
			mux := telemetry.NewMux(store, cfg.ArchiveDir, cfg.SubmitEndpoint)

			errChan := make(chan error, 1)
			go func() {
				if err := server.Run(mux); err != nil {
					errChan <- err
				}
			}()
			log.Println("✓ telemetry dispatch server ready")

			select {
			case <-sigChan:
				log.Println("shutdown signal received, stopping gracefully...")
				server.Shutdown()
			case err := <-errChan:
				log.Fatalf("telemetry server error: %v", err)
			}
			return nil
		},
	}
}

// sessionRequest is one line of the session subcommand's stdin
// protocol: {"op": "...", ...op-specific fields}.
type sessionRequest struct {
	Op          string  `json:"op"`
	Text        string  `json:"text,omitempty"`
	Frame       *int32  `json:"frame,omitempty"`
	Frames      []int32 `json:"frames,omitempty"`
	DisplayType string  `json:"displayType,omitempty"`
	Page        int     `json:"page,omitempty"`
	Prefix      string  `json:"prefix,omitempty"`
	Limit       int     `json:"limit,omitempty"`
}

type sessionResponse struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Display interface{} `json:"display,omitempty"`
	Words   interface{} `json:"words,omitempty"`
}

// newSessionCmd runs the line protocol: each stdin line is one JSON
// request, each stdout line is the matching JSON response, so an
// embedding UI process can drive the engine without linking Go.
func newSessionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Drive the engine with newline-delimited JSON over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetOutput(os.Stderr)

			cfg, err := config.Load(*configPath)
			if err != nil {
				log.Fatalf("loading config %q: %v", *configPath, err)
			}
			e := buildEngine(cfg)
			defer e.Close()

			sc := bufio.NewScanner(os.Stdin)
			sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
			out := bufio.NewWriter(os.Stdout)
			defer out.Flush()

			for sc.Scan() {
				line := sc.Bytes()
				if len(line) == 0 {
					continue
				}
				resp := handleSessionRequest(e, line)
				body, err := json.Marshal(resp)
				if err != nil {
					fmt.Fprintf(out, `{"ok":false,"error":%q}`+"\n", err.Error())
					continue
				}
				out.Write(body)
				out.WriteString("\n")
				out.Flush()
			}
			return sc.Err()
		},
	}
}

func handleSessionRequest(e *engine.Engine, line []byte) sessionResponse {
	var req sessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return sessionResponse{Error: fmt.Sprintf("parsing request: %v", err)}
	}

	switch req.Op {
	case "rescore":
		if err := e.Rescore(req.Text); err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true}

	case "add_likes":
		ids := make([]frames.FrameID, len(req.Frames))
		for i, f := range req.Frames {
			ids[i] = frames.FrameID(f)
		}
		if err := e.AddLikes(ids); err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true}

	case "remove_likes":
		ids := make([]frames.FrameID, len(req.Frames))
		for i, f := range req.Frames {
			ids[i] = frames.FrameID(f)
		}
		if err := e.RemoveLikes(ids); err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true}

	case "reset":
		if err := e.ResetSearchSession(); err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true}

	case "display":
		selected := frames.NullFrameID
		if req.Frame != nil {
			selected = frames.FrameID(*req.Frame)
		}
		d, err := e.GetDisplay(engine.DisplayType(req.DisplayType), selected, req.Page)
		if err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true, Display: d}

	case "autocomplete":
		limit := req.Limit
		if limit <= 0 {
			limit = 10
		}
		words := e.AutocompleteKeywords(req.Prefix, limit)
		return sessionResponse{OK: true, Words: words}

	case "submit":
		if req.Frame == nil {
			return sessionResponse{Error: "submit requires \"frame\""}
		}
		if err := e.SubmitToServer(frames.FrameID(*req.Frame)); err != nil {
			return sessionResponse{Error: err.Error()}
		}
		return sessionResponse{OK: true}

	default:
		return sessionResponse{Error: "unknown op " + strconv.Quote(req.Op)}
	}
}

// newBrowseCmd launches the bubbletea reference terminal client.
func newBrowseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Launch the interactive terminal reference client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				log.Fatalf("loading config %q: %v", *configPath, err)
			}
			e := buildEngine(cfg)
			defer e.Close()

			p := tea.NewProgram(tui.New(e), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
