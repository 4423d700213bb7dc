package som

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPublishesMappingAfterStartWork(t *testing.T) {
	w := NewWorker(nil)
	defer w.Stop()

	// 4 points, 2-dim, split into two obvious clusters.
	points := []float32{
		0, 0,
		0, 1,
		10, 10,
		10, 11,
	}
	scores := []float32{1, 1, 1, 1}

	w.StartWork(points, 2, scores)

	require.Eventually(t, w.Ready, 10*time.Second, 10*time.Millisecond)

	total := 0
	for c := 0; c < GridSize; c++ {
		total += len(w.Map(c))
	}
	assert.Equal(t, 4, total)
}

func TestWorkerSecondStartWorkBeforeConsumptionWins(t *testing.T) {
	// Build the handoff slot without the consuming goroutine so the
	// overwrite semantics can be observed deterministically.
	w := &Worker{}
	w.cond = sync.NewCond(&w.mu)

	w.StartWork([]float32{1, 2}, 2, []float32{1})
	w.StartWork([]float32{3, 4}, 2, []float32{1})

	w.mu.Lock()
	got := append([]float32(nil), w.points...)
	newData := w.newData
	w.mu.Unlock()

	assert.Equal(t, []float32{3, 4}, got)
	assert.True(t, newData)
}

func TestWorkerStopTerminatesGoroutine(t *testing.T) {
	w := NewWorker(nil)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
