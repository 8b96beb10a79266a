package probe

import (
	"sync"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Window keeps the last N samples for one instance and derives the health
// verdict from them. An instance stays Unknown until the window is full,
// so it can never be exposed to traffic on a single lucky probe.
type Window struct {
	mu      sync.Mutex
	size    int
	quorum  int
	ceiling time.Duration
	samples []model.HealthSample
	next    int
	filled  bool
}

func NewWindow(size, quorum int, latencyCeiling time.Duration) *Window {
	if size <= 0 {
		size = 5
	}
	if quorum <= 0 || quorum > size {
		quorum = (size + 1) / 2 + 1
		if quorum > size {
			quorum = size
		}
	}
	return &Window{
		size:    size,
		quorum:  quorum,
		ceiling: latencyCeiling,
		samples: make([]model.HealthSample, size),
	}
}

// Add records one sample and returns the resulting verdict.
func (w *Window) Add(s model.HealthSample) model.HealthState {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = s
	w.next = (w.next + 1) % w.size
	if w.next == 0 {
		w.filled = true
	}
	return w.verdictLocked()
}

// Verdict returns the current health state without adding a sample.
func (w *Window) Verdict() model.HealthState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.verdictLocked()
}

func (w *Window) verdictLocked() model.HealthState {
	if !w.filled {
		return model.HealthUnknown
	}
	ok := 0
	var latencySum time.Duration
	for _, s := range w.samples {
		if s.Success {
			ok++
			latencySum += s.Latency
		}
	}
	if ok < w.quorum {
		return model.HealthUnhealthy
	}
	if w.ceiling > 0 && latencySum/time.Duration(ok) > w.ceiling {
		return model.HealthUnhealthy
	}
	return model.HealthHealthy
}
