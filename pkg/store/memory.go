package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/canonicalize"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
)

// Memory is the ephemeral in-process backend. A single mutex serializes all
// mutations, which also gives per-run append serialization for free.
type Memory struct {
	chain *hashchain.Chain

	mu        sync.RWMutex
	runs      map[string]*contracts.Run
	events    map[string][]*contracts.Event
	cache     map[string]CachedStep
	approvals map[string][]*contracts.Approval
	jobs      map[string]*contracts.Job
	jobOrder  []string
	rates     map[string]int64
	keys      map[string]contracts.AuditKey
	sessions  map[string]Session
	snapshots map[string]*contracts.Run
	clock     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty ephemeral store signing with the given chain.
func NewMemory(chain *hashchain.Chain) *Memory {
	return &Memory{
		chain:     chain,
		runs:      make(map[string]*contracts.Run),
		events:    make(map[string][]*contracts.Event),
		cache:     make(map[string]CachedStep),
		approvals: make(map[string][]*contracts.Approval),
		jobs:      make(map[string]*contracts.Job),
		rates:     make(map[string]int64),
		keys:      make(map[string]contracts.AuditKey),
		sessions:  make(map[string]Session),
		snapshots: make(map[string]*contracts.Run),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) CreateRun(_ context.Context, run *contracts.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
	}
	cp := cloneRun(run)
	if cp.BudgetUsed == nil {
		cp.BudgetUsed = make(map[string]int64)
	}
	m.runs[run.RunID] = cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*contracts.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return cloneRun(run), nil
}

func (m *Memory) UpdateRunState(_ context.Context, runID string, state contracts.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run.State = state
	run.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *Memory) PatchRunMeta(_ context.Context, runID string, title *string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if title != nil {
		run.Title = *title
	}
	if tags != nil {
		run.Tags = append([]string(nil), tags...)
	}
	run.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]*contracts.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*contracts.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if f.State != "" && run.State != f.State {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(run.Title), strings.ToLower(f.Query)) {
			continue
		}
		if f.Tag != "" && !containsTag(run.Tags, f.Tag) {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RunID < matched[j].RunID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *Memory) AppendEvent(_ context.Context, runID string, payload contracts.EventPayload) (*contracts.Event, error) {
	raw, err := contracts.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := canonicalize.CanonicalBytes(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: append to missing run %s", ErrConflict, runID)
	}

	prevHash := ""
	if events := m.events[runID]; len(events) > 0 {
		prevHash = events[len(events)-1].Hash
	}
	hash, kid := m.chain.Sign(prevHash, canonical)

	event := &contracts.Event{
		RunID:     runID,
		Seq:       run.LastSeq + 1,
		TS:        m.clock().UTC(),
		Canonical: string(canonical),
		PrevHash:  prevHash,
		Hash:      hash,
		KeyID:     kid,
		Payload:   payload,
	}
	m.events[runID] = append(m.events[runID], event)
	run.LastSeq = event.Seq
	run.UpdatedAt = event.TS
	return cloneEvent(event), nil
}

func (m *Memory) GetEvents(_ context.Context, runID string, sinceSeq uint64) ([]*contracts.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	var out []*contracts.Event
	for _, ev := range m.events[runID] {
		if ev.Seq > sinceSeq {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

func (m *Memory) VerifyChain(_ context.Context, runID string) (contracts.ChainReport, error) {
	m.mu.RLock()
	events := m.events[runID]
	_, exists := m.runs[runID]
	m.mu.RUnlock()
	if !exists {
		return contracts.ChainReport{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return verifyEvents(m.chain, events)
}

// verifyEvents recomputes a run's chain: dense seq, prev-hash linkage and
// the HMAC of each event under its recorded kid. BrokenAt points at the
// earliest divergence.
func verifyEvents(chain *hashchain.Chain, events []*contracts.Event) (contracts.ChainReport, error) {
	prevHash := ""
	for i, ev := range events {
		if ev.Seq != uint64(i)+1 {
			return contracts.ChainReport{OK: false, BrokenAt: uint64(i) + 1}, nil
		}
		if ev.PrevHash != prevHash {
			return contracts.ChainReport{OK: false, BrokenAt: ev.Seq}, nil
		}
		ok, err := chain.Verify(ev.PrevHash, []byte(ev.Canonical), ev.Hash, ev.KeyID)
		if err != nil {
			return contracts.ChainReport{}, err
		}
		if !ok {
			return contracts.ChainReport{OK: false, BrokenAt: ev.Seq}, nil
		}
		prevHash = ev.Hash
	}
	return contracts.ChainReport{OK: true}, nil
}

func (m *Memory) StepCacheGet(_ context.Context, idemKey string) (*CachedStep, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[idemKey]
	if !ok {
		return nil, false, nil
	}
	cp := entry
	return &cp, true, nil
}

func (m *Memory) StepCachePut(_ context.Context, idemKey string, entry CachedStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock().UTC()
	}
	m.cache[idemKey] = entry
	return nil
}

func (m *Memory) ConsumeBudget(_ context.Context, runID string, deltas, limits map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	// Check every metric before touching any counter.
	for metric, delta := range deltas {
		limit := limits[metric]
		if limit > 0 && run.BudgetUsed[metric]+delta > limit {
			return contracts.Faultf(contracts.ErrBudgetExceeded,
				"budget exceeded for %s: %d + %d > %d", metric, run.BudgetUsed[metric], delta, limit)
		}
	}
	for metric, delta := range deltas {
		run.BudgetUsed[metric] += delta
	}
	run.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *Memory) EnqueueJob(_ context.Context, job *contracts.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; exists {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.JobID)
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.clock().UTC()
	}
	m.jobs[job.JobID] = &cp
	m.jobOrder = append(m.jobOrder, job.JobID)
	return nil
}

func (m *Memory) ClaimJob(_ context.Context, workerID string, lease time.Duration, tenantMaxConcurrency int) (*contracts.Job, error) {
	_ = workerID
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()

	claimedPerTenant := make(map[string]int)
	for _, job := range m.jobs {
		if job.State == contracts.JobClaimed && job.ClaimUntil.After(now) {
			claimedPerTenant[job.TenantID]++
		}
	}

	for _, jobID := range m.jobOrder {
		job := m.jobs[jobID]
		claimable := job.State == contracts.JobQueued ||
			(job.State == contracts.JobClaimed && !job.ClaimUntil.After(now))
		if !claimable {
			continue
		}
		if tenantMaxConcurrency > 0 && claimedPerTenant[job.TenantID] >= tenantMaxConcurrency {
			// No free tenant slot; job stays queued.
			continue
		}
		job.State = contracts.JobClaimed
		job.ClaimUntil = now.Add(lease)
		job.Attempts++
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID string, state contracts.JobState) error {
	if state != contracts.JobDone && state != contracts.JobFailed {
		return fmt.Errorf("%w: job %s cannot be released to state %s", ErrConflict, jobID, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	job.State = state
	return nil
}

func (m *Memory) CreateApproval(_ context.Context, approval *contracts.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals[approval.RunID] {
		if a.State == contracts.ApprovalPending {
			return fmt.Errorf("%w: run %s already has a pending approval", ErrConflict, approval.RunID)
		}
	}
	cp := *approval
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.clock().UTC()
	}
	m.approvals[approval.RunID] = append(m.approvals[approval.RunID], &cp)
	return nil
}

func (m *Memory) GetApproval(_ context.Context, runID string) (*contracts.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approvals := m.approvals[runID]
	if len(approvals) == 0 {
		return nil, fmt.Errorf("%w: no approval for run %s", ErrNotFound, runID)
	}
	cp := *approvals[len(approvals)-1]
	return &cp, nil
}

func (m *Memory) DecideApproval(_ context.Context, runID string, decision contracts.ApprovalState, by, reason string) (*contracts.Approval, error) {
	if decision != contracts.ApprovalApproved && decision != contracts.ApprovalDenied {
		return nil, fmt.Errorf("%w: invalid approval decision %s", ErrConflict, decision)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	approvals := m.approvals[runID]
	for i := len(approvals) - 1; i >= 0; i-- {
		a := approvals[i]
		if a.State != contracts.ApprovalPending {
			continue
		}
		now := m.clock().UTC()
		a.State = decision
		a.DecidedAt = &now
		a.By = by
		a.Reason = reason
		cp := *a
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: no pending approval for run %s", ErrConflict, runID)
}

func (m *Memory) IncrRateWindow(_ context.Context, scope, scopeID string, windowStart time.Time, limit int) error {
	key := fmt.Sprintf("%s|%s|%d", scope, scopeID, windowStart.Unix())
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && m.rates[key]+1 > int64(limit) {
		return contracts.Faultf(contracts.ErrRateLimited, "%s %s exceeded %d requests in window", scope, scopeID, limit)
	}
	m.rates[key]++
	return nil
}

func (m *Memory) SaveAuditKey(_ context.Context, key contracts.AuditKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KID] = key
	return nil
}

func (m *Memory) ListAuditKeys(_ context.Context) ([]contracts.AuditKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.AuditKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KID < out[j].KID })
	return out, nil
}

func (m *Memory) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return &s, nil
}

func (m *Memory) Snapshot(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	m.snapshots[runID] = cloneRun(run)
	return nil
}

// TamperEvent mutates a stored event in place. Test hook for chain
// verification; never called by the kernel.
func (m *Memory) TamperEvent(runID string, seq uint64, mutate func(*contracts.Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events[runID] {
		if ev.Seq == seq {
			mutate(ev)
			return nil
		}
	}
	return fmt.Errorf("%w: event %s/%d", ErrNotFound, runID, seq)
}

func (m *Memory) Close() error { return nil }

func cloneRun(run *contracts.Run) *contracts.Run {
	cp := *run
	cp.Tags = append([]string(nil), run.Tags...)
	cp.BudgetUsed = make(map[string]int64, len(run.BudgetUsed))
	for k, v := range run.BudgetUsed {
		cp.BudgetUsed[k] = v
	}
	return &cp
}

func cloneEvent(ev *contracts.Event) *contracts.Event {
	cp := *ev
	return &cp
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
