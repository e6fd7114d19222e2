package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
	"github.com/Creativityliberty/Os-frame/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) *store.Memory {
	t.Helper()
	reg, err := hashchain.FromSecret("test-secret")
	require.NoError(t, err)
	return store.NewMemory(hashchain.New(reg))
}

func seedRun(t *testing.T, m *store.Memory, runID string) *contracts.Run {
	t.Helper()
	run := &contracts.Run{
		RunID:     runID,
		TaskID:    "task-" + runID,
		TenantID:  "t1",
		State:     contracts.RunStateSubmitted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateRun(context.Background(), run))
	return run
}

func TestAppendEventAssignsDenseSeq(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	seedRun(t, m, "r1")

	for i := 0; i < 5; i++ {
		ev, err := m.AppendEvent(ctx, "r1", contracts.StatusUpdate{State: contracts.RunStateWorking})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	events, err := m.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, ev.PrevHash)
		} else {
			assert.Empty(t, ev.PrevHash)
		}
	}

	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), run.LastSeq)
}

func TestAppendEventToMissingRunConflicts(t *testing.T) {
	m := newMemory(t)
	_, err := m.AppendEvent(context.Background(), "ghost", contracts.StatusUpdate{State: contracts.RunStateWorking})
	assert.ErrorIs(t, err, store.ErrConflict)
}

// Seq density is P1: any interleaving of appends yields seq 1..N without
// gaps.
func TestSeqDensityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("event seq is dense from 1", prop.ForAll(
		func(messages []string) bool {
			m := newMemory(t)
			seedRun(t, m, "p1")
			ctx := context.Background()
			for _, msg := range messages {
				if _, err := m.AppendEvent(ctx, "p1", contracts.StatusUpdate{State: contracts.RunStateWorking, Message: msg}); err != nil {
					return false
				}
			}
			events, err := m.GetEvents(ctx, "p1", 0)
			if err != nil || len(events) != len(messages) {
				return false
			}
			for i, ev := range events {
				if ev.Seq != uint64(i)+1 {
					return false
				}
			}
			report, err := m.VerifyChain(ctx, "p1")
			return err == nil && report.OK
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	seedRun(t, m, "r1")
	for i := 0; i < 4; i++ {
		_, err := m.AppendEvent(ctx, "r1", contracts.StatusUpdate{State: contracts.RunStateWorking, Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	report, err := m.VerifyChain(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, report.OK)

	require.NoError(t, m.TamperEvent("r1", 2, func(ev *contracts.Event) {
		ev.Canonical = `{"message":"forged","state":"working","type":"status_update"}`
	}))

	report, err = m.VerifyChain(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, uint64(2), report.BrokenAt, "broken_at points at the earliest divergence")
}

func TestConsumeBudgetCeiling(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	seedRun(t, m, "r1")
	limits := map[string]int64{contracts.MetricToolCalls: 2, contracts.MetricCostUnits: 10}

	require.NoError(t, m.ConsumeBudget(ctx, "r1", map[string]int64{contracts.MetricToolCalls: 1, contracts.MetricCostUnits: 4}, limits))
	require.NoError(t, m.ConsumeBudget(ctx, "r1", map[string]int64{contracts.MetricToolCalls: 1, contracts.MetricCostUnits: 4}, limits))

	err := m.ConsumeBudget(ctx, "r1", map[string]int64{contracts.MetricToolCalls: 1}, limits)
	require.Error(t, err)
	assert.Equal(t, contracts.ErrBudgetExceeded, contracts.AsFault(err).Kind)

	// A rejected consume must not move any counter, even for metrics that
	// individually had room.
	err = m.ConsumeBudget(ctx, "r1", map[string]int64{contracts.MetricCostUnits: 1, contracts.MetricToolCalls: 1}, limits)
	require.Error(t, err)
	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), run.BudgetUsed[contracts.MetricCostUnits])
	assert.Equal(t, int64(2), run.BudgetUsed[contracts.MetricToolCalls])
}

func TestClaimJobRespectsTenantConcurrency(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	for i := 0; i < 3; i++ {
		runID := fmt.Sprintf("r%d", i)
		seedRun(t, m, runID)
		require.NoError(t, m.EnqueueJob(ctx, &contracts.Job{
			JobID: "j" + runID, RunID: runID, TenantID: "t1", State: contracts.JobQueued,
		}))
	}

	j1, err := m.ClaimJob(ctx, "w1", time.Minute, 2)
	require.NoError(t, err)
	require.NotNil(t, j1)
	j2, err := m.ClaimJob(ctx, "w2", time.Minute, 2)
	require.NoError(t, err)
	require.NotNil(t, j2)

	j3, err := m.ClaimJob(ctx, "w3", time.Minute, 2)
	require.NoError(t, err)
	assert.Nil(t, j3, "tenant concurrency cap reached")

	require.NoError(t, m.CompleteJob(ctx, j1.JobID, contracts.JobDone))
	j3, err = m.ClaimJob(ctx, "w3", time.Minute, 2)
	require.NoError(t, err)
	assert.NotNil(t, j3, "slot freed after completion")
}

func TestClaimJobReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	reg, err := hashchain.FromSecret("s")
	require.NoError(t, err)
	m := store.NewMemory(hashchain.New(reg)).WithClock(clock)

	run := &contracts.Run{RunID: "r1", TaskID: "t", TenantID: "t1", State: contracts.RunStateSubmitted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateRun(ctx, run))
	require.NoError(t, m.EnqueueJob(ctx, &contracts.Job{JobID: "j1", RunID: "r1", TenantID: "t1", State: contracts.JobQueued}))

	j, err := m.ClaimJob(ctx, "w1", time.Minute, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempts)

	// Crash: lease runs out, job becomes reclaimable.
	now = now.Add(2 * time.Minute)
	j, err = m.ClaimJob(ctx, "w2", time.Minute, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
}

func TestApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	seedRun(t, m, "r1")

	require.NoError(t, m.CreateApproval(ctx, &contracts.Approval{ApprovalID: "a1", RunID: "r1", State: contracts.ApprovalPending}))
	err := m.CreateApproval(ctx, &contracts.Approval{ApprovalID: "a2", RunID: "r1", State: contracts.ApprovalPending})
	assert.ErrorIs(t, err, store.ErrConflict, "at most one pending approval per run")

	decided, err := m.DecideApproval(ctx, "r1", contracts.ApprovalApproved, "alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, decided.State)
	assert.NotNil(t, decided.DecidedAt)

	_, err = m.DecideApproval(ctx, "r1", contracts.ApprovalDenied, "bob", "")
	assert.ErrorIs(t, err, store.ErrConflict, "decide is exactly-once")
}

func TestRateWindowFixed(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	window := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.IncrRateWindow(ctx, "tenant", "t1", window, 3))
	}
	err := m.IncrRateWindow(ctx, "tenant", "t1", window, 3)
	require.Error(t, err)
	assert.Equal(t, contracts.ErrRateLimited, contracts.AsFault(err).Kind)

	// A new window starts fresh; other scopes are independent.
	require.NoError(t, m.IncrRateWindow(ctx, "tenant", "t1", window.Add(time.Minute), 3))
	require.NoError(t, m.IncrRateWindow(ctx, "user", "t1", window, 3))
}

func TestStepCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	_, hit, err := m.StepCacheGet(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, m.StepCachePut(ctx, "k1", store.CachedStep{ActionID: "a", Output: map[string]any{"ok": true}}))
	entry, hit, err := m.StepCacheGet(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "a", entry.ActionID)
}

func TestListRunsFiltering(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		run := &contracts.Run{
			RunID: fmt.Sprintf("r%d", i), TaskID: "t", TenantID: "t1",
			State: contracts.RunStateSubmitted, Title: fmt.Sprintf("Refund order %d", i),
			Tags:      []string{"billing"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}
		if i == 2 {
			run.State = contracts.RunStateCompleted
			run.Tags = []string{"ops"}
		}
		require.NoError(t, m.CreateRun(ctx, run))
	}

	runs, err := m.ListRuns(ctx, store.RunFilter{State: contracts.RunStateSubmitted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = m.ListRuns(ctx, store.RunFilter{Tag: "ops"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].RunID)

	runs, err = m.ListRuns(ctx, store.RunFilter{Query: "refund", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
