package trainer

import (
	"context"
	"sync"

	"github.com/siftdata/sift/engine/pkg/schema"
)

// MemoryState is the in-process StateStore. Suitable for tests and
// single-instance deployments that accept re-training after a restart.
type MemoryState struct {
	mu      sync.RWMutex
	trained map[string]*schema.Snapshot
	runs    map[string][]Run
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		trained: make(map[string]*schema.Snapshot),
		runs:    make(map[string][]Run),
	}
}

func (s *MemoryState) Trained(ctx context.Context, fingerprint string) (*schema.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trained[fingerprint], nil
}

func (s *MemoryState) RecordTrained(ctx context.Context, snap *schema.Snapshot, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trained[run.Fingerprint] = snap
	s.runs[run.Fingerprint] = append(s.runs[run.Fingerprint], run)
	return nil
}

// Runs returns the recorded runs for a fingerprint, oldest first.
func (s *MemoryState) Runs(fingerprint string) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, len(s.runs[fingerprint]))
	copy(out, s.runs[fingerprint])
	return out
}
