package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether a run in this state will never execute again.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunRecord is the persisted form of a run.
type RunRecord struct {
	ID         string
	FunctionID string
	Event      string
	Payload    json.RawMessage
	Status     RunStatus
	Error      string
	// Owner is the dispatcher holding the run; empty when unowned.
	Owner      string
	LeaseUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Claimable reports whether owner may take the run at now: it is not
// terminal and is unowned, already held by owner, or its lease has expired.
func (rec RunRecord) Claimable(owner string, now time.Time) bool {
	if rec.Status.Terminal() {
		return false
	}
	return rec.Owner == "" || rec.Owner == owner || rec.LeaseUntil.Before(now)
}

// ErrRunNotFound is returned by a Journal for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Journal persists runs and their completed step outputs so that a run can
// be resumed after a crash or shutdown without repeating finished steps.
type Journal interface {
	CreateRun(ctx context.Context, rec RunRecord) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// PendingRuns returns queued and running runs, oldest first.
	PendingRuns(ctx context.Context) ([]RunRecord, error)
	// RecentRuns returns up to limit runs, newest first. limit <= 0 means all.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// LoadSteps returns the recorded outputs of a run keyed by step name.
	LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error)
	SaveStep(ctx context.Context, runID, name string, output json.RawMessage) error

	// ClaimRun atomically marks a claimable run as running under owner until
	// leaseUntil. It reports false when another owner holds a live lease or
	// the run is terminal.
	ClaimRun(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error)
	// RenewLease extends the lease of a run still held by owner. It reports
	// false once the run belongs to someone else or has finished.
	RenewLease(ctx context.Context, id, owner string, leaseUntil time.Time) (bool, error)
	// ReleaseRun drops owner's lease so the run can be resumed anywhere.
	ReleaseRun(ctx context.Context, id, owner string) error
}

// MemoryJournal is a Journal held in process memory. Runs do not survive a
// restart; it backs tests and --ephemeral mode.
type MemoryJournal struct {
	mu    sync.Mutex
	seq   int
	runs  map[string]*memRun
	steps map[string]map[string]json.RawMessage
}

type memRun struct {
	rec RunRecord
	seq int
}

// NewMemoryJournal returns an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		runs:  make(map[string]*memRun),
		steps: make(map[string]map[string]json.RawMessage),
	}
}

func (m *MemoryJournal) CreateRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.ID]; ok {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	m.seq++
	rec.Payload = slices.Clone(rec.Payload)
	m.runs[rec.ID] = &memRun{rec: rec, seq: m.seq}
	return nil
}

func (m *MemoryJournal) UpdateRunStatus(_ context.Context, id string, status RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	r.rec.Status = status
	r.rec.Error = errMsg
	r.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryJournal) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	rec := r.rec
	return &rec, nil
}

func (m *MemoryJournal) sorted() []*memRun {
	all := make([]*memRun, 0, len(m.runs))
	for _, r := range m.runs {
		all = append(all, r)
	}
	slices.SortFunc(all, func(a, b *memRun) int { return a.seq - b.seq })
	return all
}

func (m *MemoryJournal) PendingRuns(_ context.Context) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunRecord
	for _, r := range m.sorted() {
		if !r.rec.Status.Terminal() {
			out = append(out, r.rec)
		}
	}
	return out, nil
}

func (m *MemoryJournal) RecentRuns(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	slices.Reverse(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]RunRecord, len(all))
	for i, r := range all {
		out[i] = r.rec
	}
	return out, nil
}

func (m *MemoryJournal) LoadSteps(_ context.Context, runID string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.steps[runID]))
	for name, raw := range m.steps[runID] {
		out[name] = slices.Clone(raw)
	}
	return out, nil
}

func (m *MemoryJournal) SaveStep(_ context.Context, runID, name string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if m.steps[runID] == nil {
		m.steps[runID] = make(map[string]json.RawMessage)
	}
	m.steps[runID][name] = slices.Clone(output)
	return nil
}

func (m *MemoryJournal) ClaimRun(_ context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || !r.rec.Claimable(owner, now) {
		return false, nil
	}
	r.rec.Status = RunRunning
	r.rec.Owner = owner
	r.rec.LeaseUntil = leaseUntil.UTC()
	r.rec.UpdatedAt = now.UTC()
	return true, nil
}

func (m *MemoryJournal) RenewLease(_ context.Context, id, owner string, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.rec.Owner != owner || r.rec.Status != RunRunning {
		return false, nil
	}
	r.rec.LeaseUntil = leaseUntil.UTC()
	return true, nil
}

func (m *MemoryJournal) ReleaseRun(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok && r.rec.Owner == owner {
		r.rec.Owner = ""
		r.rec.LeaseUntil = time.Time{}
	}
	return nil
}

var _ Journal = (*MemoryJournal)(nil)
