package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/Creativityliberty/Os-frame/pkg/canonicalize"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
)

// advisorySlots spreads tenant claim serialization across this many
// advisory lock keys.
const advisorySlots = 64

// Postgres is the relational backend. All SQL is hand-written against
// database/sql with lib/pq; per-run append serialization comes from a
// row lock on the run.
type Postgres struct {
	db    *sql.DB
	chain *hashchain.Chain
	clock func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open connection pool. Call Migrate separately.
func NewPostgres(db *sql.DB, chain *hashchain.Chain) *Postgres {
	return &Postgres{db: db, chain: chain, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (p *Postgres) WithClock(clock func() time.Time) *Postgres {
	p.clock = clock
	return p
}

func (p *Postgres) CreateRun(ctx context.Context, run *contracts.Run) error {
	budget, err := json.Marshal(run.BudgetUsed)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, task_id, tenant_id, org_id, user_id, state, title, tags, budget_used, last_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
	`, run.RunID, run.TaskID, run.TenantID, run.OrgID, run.UserID, run.State, run.Title,
		pq.Array(run.Tags), budget, run.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
	}
	return err
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return scanRun(p.db.QueryRowContext(ctx, `
		SELECT run_id, task_id, tenant_id, org_id, user_id, state, title, tags, budget_used, last_seq, created_at, updated_at
		FROM runs WHERE run_id = $1
	`, runID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*contracts.Run, error) {
	var run contracts.Run
	var budget []byte
	err := row.Scan(&run.RunID, &run.TaskID, &run.TenantID, &run.OrgID, &run.UserID,
		&run.State, &run.Title, pq.Array(&run.Tags), &budget, &run.LastSeq, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run.BudgetUsed = make(map[string]int64)
	if len(budget) > 0 {
		if err := json.Unmarshal(budget, &run.BudgetUsed); err != nil {
			return nil, fmt.Errorf("corrupt budget_used for run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

func (p *Postgres) UpdateRunState(ctx context.Context, runID string, state contracts.RunState) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET state = $2, updated_at = $3 WHERE run_id = $1`,
		runID, state, p.clock().UTC())
	if err != nil {
		return err
	}
	return requireRow(res, runID)
}

func (p *Postgres) PatchRunMeta(ctx context.Context, runID string, title *string, tags []string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET
			title = COALESCE($2::text, title),
			tags = COALESCE($3::text[], tags),
			updated_at = $4
		WHERE run_id = $1
	`, runID, title, tagsOrNil(tags), p.clock().UTC())
	if err != nil {
		return err
	}
	return requireRow(res, runID)
}

func tagsOrNil(tags []string) any {
	if tags == nil {
		return nil
	}
	return pq.Array(tags)
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]*contracts.Run, error) {
	where := []string{"TRUE"}
	args := []any{}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Query != "" {
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
		where = append(where, fmt.Sprintf("LOWER(title) LIKE $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		where = append(where, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT run_id, task_id, tenant_id, org_id, user_id, state, title, tags, budget_used, last_seq, created_at, updated_at
		FROM runs WHERE %s
		ORDER BY created_at DESC, run_id
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AppendEvent allocates seq under a row lock on the run, signs the chain
// and persists the event. The unique (run_id, seq) index backstops races.
func (p *Postgres) AppendEvent(ctx context.Context, runID string, payload contracts.EventPayload) (*contracts.Event, error) {
	raw, err := contracts.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := canonicalize.CanonicalBytes(raw)
	if err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: append to missing run %s", ErrConflict, runID)
	}
	if err != nil {
		return nil, err
	}

	prevHash := ""
	if lastSeq > 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT hash FROM run_events WHERE run_id = $1 AND seq = $2`, runID, lastSeq).Scan(&prevHash)
		if err != nil {
			return nil, fmt.Errorf("chain head missing for run %s at seq %d: %w", runID, lastSeq, err)
		}
	}

	hash, kid := p.chain.Sign(prevHash, canonical)
	event := &contracts.Event{
		RunID:     runID,
		Seq:       lastSeq + 1,
		TS:        p.clock().UTC(),
		Canonical: string(canonical),
		PrevHash:  prevHash,
		Hash:      hash,
		KeyID:     kid,
		Payload:   payload,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, ts, canonical, prev_hash, hash, key_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.RunID, event.Seq, event.TS, event.Canonical, event.PrevHash, event.Hash, event.KeyID, raw)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: concurrent append on run %s", ErrConflict, runID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET last_seq = $2, updated_at = $3 WHERE run_id = $1`,
		runID, event.Seq, event.TS); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

func (p *Postgres) GetEvents(ctx context.Context, runID string, sinceSeq uint64) ([]*contracts.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, canonical, prev_hash, hash, key_id, payload
		FROM run_events WHERE run_id = $1 AND seq > $2
		ORDER BY seq
	`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Event
	for rows.Next() {
		var ev contracts.Event
		var raw []byte
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TS, &ev.Canonical, &ev.PrevHash, &ev.Hash, &ev.KeyID, &raw); err != nil {
			return nil, err
		}
		payload, err := contracts.ParsePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt payload at %s/%d: %w", ev.RunID, ev.Seq, err)
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) VerifyChain(ctx context.Context, runID string) (contracts.ChainReport, error) {
	events, err := p.GetEvents(ctx, runID, 0)
	if err != nil {
		return contracts.ChainReport{}, err
	}
	return verifyEvents(p.chain, events)
}

func (p *Postgres) StepCacheGet(ctx context.Context, idemKey string) (*CachedStep, bool, error) {
	var entry CachedStep
	var output []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT action_id, output, created_at FROM step_cache WHERE idem_key = $1`, idemKey).
		Scan(&entry.ActionID, &output, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &entry.Output); err != nil {
			return nil, false, fmt.Errorf("corrupt step cache entry %s: %w", idemKey, err)
		}
	}
	return &entry, true, nil
}

func (p *Postgres) StepCachePut(ctx context.Context, idemKey string, entry CachedStep) error {
	output, err := json.Marshal(entry.Output)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = p.clock().UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO step_cache (idem_key, action_id, output, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idem_key) DO UPDATE SET action_id = EXCLUDED.action_id, output = EXCLUDED.output, created_at = EXCLUDED.created_at
	`, idemKey, entry.ActionID, output, entry.CreatedAt)
	return err
}

func (p *Postgres) ConsumeBudget(ctx context.Context, runID string, deltas, limits map[string]int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var budget []byte
	err = tx.QueryRowContext(ctx,
		`SELECT budget_used FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return err
	}
	used := make(map[string]int64)
	if len(budget) > 0 {
		if err := json.Unmarshal(budget, &used); err != nil {
			return fmt.Errorf("corrupt budget_used for run %s: %w", runID, err)
		}
	}
	for metric, delta := range deltas {
		limit := limits[metric]
		if limit > 0 && used[metric]+delta > limit {
			return contracts.Faultf(contracts.ErrBudgetExceeded,
				"budget exceeded for %s: %d + %d > %d", metric, used[metric], delta, limit)
		}
	}
	for metric, delta := range deltas {
		used[metric] += delta
	}
	updated, err := json.Marshal(used)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET budget_used = $2, updated_at = $3 WHERE run_id = $1`,
		runID, updated, p.clock().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) EnqueueJob(ctx context.Context, job *contracts.Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = p.clock().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_id, tenant_id, state, claim_until, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.JobID, job.RunID, job.TenantID, job.State, job.ClaimUntil, job.Attempts, created)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.JobID)
	}
	return err
}

// ClaimJob pops one queued (or lease-expired) job whose tenant has a free
// concurrency slot. Candidate rows are taken with FOR UPDATE SKIP LOCKED;
// the per-tenant decision is serialized by a transaction-scoped advisory
// lock on hash(tenant_id) mod K. A job whose tenant is saturated is left
// queued for a later pass.
func (p *Postgres) ClaimJob(ctx context.Context, workerID string, lease time.Duration, tenantMaxConcurrency int) (*contracts.Job, error) {
	_ = workerID
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := p.clock().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT job_id, run_id, tenant_id, state, claim_until, attempts, created_at
		FROM jobs
		WHERE state = 'queued' OR (state = 'claimed' AND claim_until < $1)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 16
	`, now)
	if err != nil {
		return nil, err
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, job := range candidates {
		if tenantMaxConcurrency > 0 {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				`SELECT pg_try_advisory_xact_lock($1)`, tenantSlotKey(job.TenantID)).Scan(&locked); err != nil {
				return nil, err
			}
			if !locked {
				continue
			}
			var active int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM jobs
				WHERE tenant_id = $1 AND state = 'claimed' AND claim_until >= $2
			`, job.TenantID, now).Scan(&active); err != nil {
				return nil, err
			}
			if active >= tenantMaxConcurrency {
				continue
			}
		}
		job.State = contracts.JobClaimed
		job.ClaimUntil = now.Add(lease)
		job.Attempts++
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'claimed', claim_until = $2, attempts = $3 WHERE job_id = $1
		`, job.JobID, job.ClaimUntil, job.Attempts); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, tx.Commit()
}

func scanJobs(rows *sql.Rows) ([]*contracts.Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Job
	for rows.Next() {
		var job contracts.Job
		if err := rows.Scan(&job.JobID, &job.RunID, &job.TenantID, &job.State, &job.ClaimUntil, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

func tenantSlotKey(tenantID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	return int64(h.Sum64() % advisorySlots) //nolint:gosec // bounded by advisorySlots
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID string, state contracts.JobState) error {
	if state != contracts.JobDone && state != contracts.JobFailed {
		return fmt.Errorf("%w: job %s cannot be released to state %s", ErrConflict, jobID, state)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET state = $2 WHERE job_id = $1`, jobID, state)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return nil
}

func (p *Postgres) CreateApproval(ctx context.Context, approval *contracts.Approval) error {
	created := approval.CreatedAt
	if created.IsZero() {
		created = p.clock().UTC()
	}
	// The partial unique index on (run_id) WHERE state='pending' enforces
	// the at-most-one-pending invariant.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, state, created_at)
		VALUES ($1, $2, $3, $4)
	`, approval.ApprovalID, approval.RunID, approval.State, created)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s already has a pending approval", ErrConflict, approval.RunID)
	}
	return err
}

func (p *Postgres) GetApproval(ctx context.Context, runID string) (*contracts.Approval, error) {
	var a contracts.Approval
	err := p.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, state, created_at, decided_at, by_user, reason
		FROM approvals WHERE run_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, runID).Scan(&a.ApprovalID, &a.RunID, &a.State, &a.CreatedAt, &a.DecidedAt, &a.By, &a.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no approval for run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) DecideApproval(ctx context.Context, runID string, decision contracts.ApprovalState, by, reason string) (*contracts.Approval, error) {
	if decision != contracts.ApprovalApproved && decision != contracts.ApprovalDenied {
		return nil, fmt.Errorf("%w: invalid approval decision %s", ErrConflict, decision)
	}
	now := p.clock().UTC()
	var a contracts.Approval
	err := p.db.QueryRowContext(ctx, `
		UPDATE approvals SET state = $2, decided_at = $3, by_user = $4, reason = $5
		WHERE run_id = $1 AND state = 'pending'
		RETURNING approval_id, run_id, state, created_at, decided_at, by_user, reason
	`, runID, decision, now, by, reason).
		Scan(&a.ApprovalID, &a.RunID, &a.State, &a.CreatedAt, &a.DecidedAt, &a.By, &a.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending approval for run %s", ErrConflict, runID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) IncrRateWindow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) error {
	if limit <= 0 {
		return nil
	}
	var count int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (scope, scope_id, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, scope_id, window_start)
		DO UPDATE SET count = rate_limits.count + 1 WHERE rate_limits.count < $4
		RETURNING count
	`, scope, scopeID, windowStart.UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Faultf(contracts.ErrRateLimited, "%s %s exceeded %d requests in window", scope, scopeID, limit)
	}
	return err
}

func (p *Postgres) SaveAuditKey(ctx context.Context, key contracts.AuditKey) error {
	created := key.CreatedAt
	if created.IsZero() {
		created = p.clock().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_keys (kid, secret, active, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kid) DO UPDATE SET active = EXCLUDED.active
	`, key.KID, key.Secret, key.Active, created)
	return err
}

func (p *Postgres) ListAuditKeys(ctx context.Context) ([]contracts.AuditKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT kid, secret, active, created_at FROM audit_keys ORDER BY kid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.AuditKey
	for rows.Next() {
		var k contracts.AuditKey
		if err := rows.Scan(&k.KID, &k.Secret, &k.Active, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *Postgres) PutSession(ctx context.Context, s Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, tenant_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, s.SessionID, s.UserID, s.TenantID, s.CreatedAt, s.ExpiresAt)
	return err
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := p.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, tenant_id, created_at, expires_at FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&s.SessionID, &s.UserID, &s.TenantID, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) Snapshot(ctx context.Context, runID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO run_snapshots (run_id, state, title, tags, last_seq, updated_at)
		SELECT run_id, state, title, tags, last_seq, updated_at FROM runs WHERE run_id = $1
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state, title = EXCLUDED.title, tags = EXCLUDED.tags,
			last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at
	`, runID)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
