// Package store abstracts kernel persistence: the event log, step cache,
// approvals, jobs, sessions, budget counters, rate-limit windows and audit
// keys. Two backends implement the contract — an in-process map backend for
// tests/dev and a Postgres backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
)

// Sentinel errors shared by both backends. Callers match with errors.Is and
// translate to taxonomy faults at the boundary that owns the operation.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// RunFilter selects runs for listing.
type RunFilter struct {
	Query  string
	State  contracts.RunState
	Tag    string
	Limit  int
	Offset int
}

// CachedStep is a step-cache entry keyed by idempotency key.
type CachedStep struct {
	ActionID  string    `json:"action_id"`
	Output    any       `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an authenticated principal's server-side session record.
// Issuance lives outside the kernel; the store only keeps the rows.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the persistence contract. All mutations of shared state go
// through it; per-run event appends are serialized by the backend.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, run *contracts.Run) error
	GetRun(ctx context.Context, runID string) (*contracts.Run, error)
	UpdateRunState(ctx context.Context, runID string, state contracts.RunState) error
	PatchRunMeta(ctx context.Context, runID string, title *string, tags []string) error
	ListRuns(ctx context.Context, f RunFilter) ([]*contracts.Run, error)

	// Event log. AppendEvent atomically allocates seq = last_seq+1,
	// computes the hash chain, persists and bumps last_seq. It fails with
	// ErrConflict when the run no longer exists or a concurrent append
	// races.
	AppendEvent(ctx context.Context, runID string, payload contracts.EventPayload) (*contracts.Event, error)
	GetEvents(ctx context.Context, runID string, sinceSeq uint64) ([]*contracts.Event, error)
	VerifyChain(ctx context.Context, runID string) (contracts.ChainReport, error)

	// Step cache (side-effect deduplication).
	StepCacheGet(ctx context.Context, idemKey string) (*CachedStep, bool, error)
	StepCachePut(ctx context.Context, idemKey string, entry CachedStep) error

	// ConsumeBudget atomically checks and increments the run's counters
	// against the tenant limits (0 or absent limit = unlimited). On
	// shortage nothing is incremented and a budget_exceeded fault is
	// returned.
	ConsumeBudget(ctx context.Context, runID string, deltas, limits map[string]int64) error

	// Jobs. ClaimJob selects one queued (or lease-expired) job whose
	// tenant is below tenantMaxConcurrency and leases it to workerID;
	// nil means nothing claimable.
	EnqueueJob(ctx context.Context, job *contracts.Job) error
	ClaimJob(ctx context.Context, workerID string, lease time.Duration, tenantMaxConcurrency int) (*contracts.Job, error)
	CompleteJob(ctx context.Context, jobID string, state contracts.JobState) error

	// Approvals. At most one pending approval per run; deciding is
	// exactly-once.
	CreateApproval(ctx context.Context, approval *contracts.Approval) error
	GetApproval(ctx context.Context, runID string) (*contracts.Approval, error)
	DecideApproval(ctx context.Context, runID string, decision contracts.ApprovalState, by, reason string) (*contracts.Approval, error)

	// IncrRateWindow bumps a fixed-window counter, failing with a
	// rate_limited fault once count would exceed limit.
	IncrRateWindow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) error

	// Audit keys.
	SaveAuditKey(ctx context.Context, key contracts.AuditKey) error
	ListAuditKeys(ctx context.Context) ([]contracts.AuditKey, error)

	// Sessions.
	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// Snapshot writes a best-effort compact projection for fast listing.
	Snapshot(ctx context.Context, runID string) error

	Close() error
}
