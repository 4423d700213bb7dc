package som

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/somhunter/somhunter-go/internal/frames"
)

// ReadyChannel is the pub/sub channel the worker publishes a one-line
// ready notice to after each successful training run, so an external
// dashboard can observe SOM staleness without polling Ready()/Map().
// This is additive: the synchronous Ready()/Map() read path works
// identically with no Redis configured.
const ReadyChannel = "somhunter:som:ready"

// readyNotice is the JSON payload published to ReadyChannel.
type readyNotice struct {
	Ready bool `json:"ready"`
	Cells int  `json:"cells"`
}

// Worker runs SOM training on a dedicated goroutine. The handoff is a
// single mutex-guarded slot, not a queue: a second StartWork call
// arriving before the previous one has been consumed overwrites the
// pending input in place.
type Worker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	points    []float32
	scores    []float32
	dim       int
	newData   bool
	terminate bool

	ready   atomic.Bool
	mapping [][]frames.FrameID

	redis *redis.Client // optional; nil disables the domain-stack ready notice
	done  chan struct{}
}

// NewWorker constructs a Worker and starts its background goroutine.
// rdb may be nil to disable the Redis ready-notice publish.
func NewWorker(rdb *redis.Client) *Worker {
	w := &Worker{redis: rdb, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// StartWork copies the current feature matrix and score vector and
// wakes the worker. points must be n*dim floats, row-major.
func (w *Worker) StartWork(points []float32, dim int, scores []float32) {
	w.mu.Lock()
	w.points = append([]float32(nil), points...)
	w.scores = append([]float32(nil), scores...)
	w.dim = dim
	w.newData = true
	w.ready.Store(false)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Stop requests worker termination and waits for the goroutine to
// exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.terminate = true
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}

// Ready reports whether a trained mapping is available. The atomic
// load pairs with the store in run, so a true result also publishes
// the mapping to this goroutine.
func (w *Worker) Ready() bool { return w.ready.Load() }

// Map returns the frame ids assigned to grid cell i. Panics if the
// index is out of range or no mapping has been published yet; callers
// must observe Ready first.
func (w *Worker) Map(i int) []frames.FrameID {
	return w.mapping[i]
}

func (w *Worker) run() {
	defer close(w.done)
	rng := rand.New(rand.NewSource(rngSeed()))

	for {
		w.mu.Lock()
		for !w.newData && !w.terminate {
			w.cond.Wait()
		}
		if w.terminate {
			w.mu.Unlock()
			return
		}

		points := w.points
		scores := w.scores
		dim := w.dim
		w.points, w.scores = nil, nil
		w.newData = false
		w.mu.Unlock()

		n := len(scores)
		if n == 0 {
			continue
		}

		if w.abandonRun() {
			continue
		}
		nhbrdist := NeighborDist()

		if w.abandonRun() {
			continue
		}
		koho := make([]float32, GridSize*dim)
		Train(n, GridSize, dim, Iters, points, koho, nhbrdist, scores, rng)

		if w.abandonRun() {
			continue
		}
		mapping := MapPointsToKohos(n, GridSize, dim, points, koho)

		if w.abandonRun() {
			continue
		}
		cells := make([][]frames.FrameID, GridSize)
		for im, cell := range mapping {
			cells[cell] = append(cells[cell], frames.FrameID(im))
		}

		w.mu.Lock()
		w.mapping = cells
		w.mu.Unlock()
		w.ready.Store(true)

		w.publishReady()
	}
}

// abandonRun polls newData/terminate at the phase boundaries between
// neighborhood precomputation, training, classification and publish,
// letting a superseding StartWork or Stop abort a run in progress
// without finishing wasted work.
func (w *Worker) abandonRun() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.newData || w.terminate
}

func (w *Worker) publishReady() {
	if w.redis == nil {
		return
	}
	payload, err := json.Marshal(readyNotice{Ready: true, Cells: GridSize})
	if err != nil {
		return
	}
	_ = w.redis.Publish(context.Background(), ReadyChannel, payload)
}

// rngSeed seeds the training RNG from the runtime's own entropy
// source; no cross-run determinism is required here.
func rngSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
