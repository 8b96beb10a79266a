// Package audit keeps the append-only transition history for every
// deployment. The controller writes each intent here before applying its
// side effects and marks it applied afterwards, so a crash mid-transition
// can be resumed by re-applying the last unapplied intent instead of
// re-deciding from scratch.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// Log is the write-ahead transition history. Append assigns the sequence
// number; records are never deleted.
type Log interface {
	Append(ctx context.Context, tr model.Transition) (int64, error)
	MarkApplied(ctx context.Context, seq int64) error
	List(ctx context.Context, deploymentID string) ([]model.Transition, error)
	// Unapplied returns intents that were logged but never marked applied,
	// oldest first. Recovery replays these.
	Unapplied(ctx context.Context, deploymentID string) ([]model.Transition, error)
}

// MemoryLog is the single-process implementation; also the test double
// for the Postgres-backed one.
type MemoryLog struct {
	mu      sync.Mutex
	seq     int64
	records []model.Transition
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, tr model.Transition) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	tr.Seq = l.seq
	if tr.LoggedAt.IsZero() {
		tr.LoggedAt = time.Now()
	}
	l.records = append(l.records, tr)
	return tr.Seq, nil
}

func (l *MemoryLog) MarkApplied(_ context.Context, seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].Seq == seq {
			now := time.Now()
			l.records[i].Applied = true
			l.records[i].AppliedAt = &now
			return nil
		}
	}
	return nil
}

func (l *MemoryLog) List(_ context.Context, deploymentID string) ([]model.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Transition, 0, len(l.records))
	for _, r := range l.records {
		if r.DeploymentID == deploymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *MemoryLog) Unapplied(_ context.Context, deploymentID string) ([]model.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []model.Transition{}
	for _, r := range l.records {
		if r.DeploymentID == deploymentID && !r.Applied {
			out = append(out, r)
		}
	}
	return out, nil
}
