package workflow

import (
	"context"
	"sync"
	"time"
)

// HistoryRecord is the persisted summary of one workflow run.
type HistoryRecord struct {
	WorkflowID     string    `json:"workflow_id"`
	RequestID      string    `json:"request_id"`
	Status         Status    `json:"status"`
	PhasesExecuted []string  `json:"phases_executed"`
	PhaseCount     int       `json:"phase_count"`
	FailedPhases   []string  `json:"failed_phases,omitempty"`
	DurationMS     float64   `json:"duration_ms"`
	StartedAt      time.Time `json:"started_at"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func newHistoryRecord(wf *Context, durationMS float64) HistoryRecord {
	rec := HistoryRecord{
		WorkflowID:     wf.WorkflowID,
		RequestID:      wf.RequestID,
		Status:         wf.Status,
		PhasesExecuted: append([]string(nil), wf.PhasesExecuted...),
		PhaseCount:     len(wf.Results),
		DurationMS:     durationMS,
		StartedAt:      wf.StartedAt,
		RecordedAt:     time.Now(),
	}
	for name, res := range wf.Results {
		if res.Status == PhaseFailed {
			rec.FailedPhases = append(rec.FailedPhases, name)
		}
	}
	return rec
}

// MemoryHistoryStore keeps run history in memory with a bounded capacity.
// Suitable for tests and single-process deployments; the store package
// provides the durable variant.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	records []HistoryRecord
	limit   int
}

// NewMemoryHistoryStore creates an in-memory history sink keeping at most
// limit records (oldest evicted first). limit <= 0 means 1000.
func NewMemoryHistoryStore(limit int) *MemoryHistoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryHistoryStore{limit: limit}
}

// PersistWorkflowResult implements HistorySink.
func (s *MemoryHistoryStore) PersistWorkflowResult(_ context.Context, wf *Context, durationMS float64) error {
	rec := newHistoryRecord(wf, durationMS)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
	return nil
}

// ListByWorkflow returns records for one workflow id, oldest first.
func (s *MemoryHistoryStore) ListByWorkflow(workflowID string) []HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryRecord
	for _, rec := range s.records {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out
}

// ListByStatus returns records with the given terminal status, oldest first.
func (s *MemoryHistoryStore) ListByStatus(status Status) []HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of retained records.
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
