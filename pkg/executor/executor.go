// Package executor runs plan steps: argument binding, exec-phase policy
// gating, idempotent deduplication, budget debit, retrying tool invocation
// and obligation checks. Steps run in topological order with bounded
// parallelism over independent DAG nodes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/adapters"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/policy"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// EmitFunc persists one event and forwards it to subscribers. Provided by
// the pipeline so persist-before-send holds for executor emissions too.
type EmitFunc func(ctx context.Context, payload contracts.EventPayload) error

// Input carries everything needed to execute one plan. Prior seeds results
// recovered from the event log on restart; seeded steps are not re-run.
type Input struct {
	Run    *contracts.Run
	Doc    *registry.Document
	Plan   *contracts.Plan
	RunCtx policy.RunContext
	Emit   EmitFunc
	Prior  map[string]*contracts.StepResult
}

// Executor drives steps of a single plan.
type Executor struct {
	store       store.Store
	tool        adapters.Tool
	parallelism int
	logger      *slog.Logger
	sleep       sleepFunc
}

// New builds an executor. parallelism bounds concurrent steps within one
// run; values below 1 mean serial execution.
func New(st store.Store, tool adapters.Tool, parallelism int, logger *slog.Logger) *Executor {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       st,
		tool:        tool,
		parallelism: parallelism,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// WithSleep overrides the retry sleeper for deterministic tests.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// ExecutePlan runs the DAG. Every step outcome is emitted as a step_result
// artifact; the returned error is non-nil when a step failure should fail
// the run (the step did not opt into continue_on_error).
func (e *Executor) ExecutePlan(ctx context.Context, in Input) (map[string]*contracts.StepResult, error) {
	order, err := in.Plan.TopoOrder()
	if err != nil {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "%v", err)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*contracts.StepResult, len(order))
		fatal   *contracts.Fault
	)
	pending := make(map[string]bool, len(order))
	for _, id := range order {
		if prior, done := in.Prior[id]; done {
			results[id] = prior
			if prior.Status == contracts.StepFailed && !in.Plan.StepByID(id).ContinueOnError && fatal == nil {
				fatal = prior.Error
			}
			continue
		}
		pending[id] = true
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return results, contracts.Classify(err)
		}
		canceled, err := e.runCanceled(ctx, in.Run.RunID)
		if err != nil {
			return results, err
		}
		if canceled {
			e.skipPending(ctx, in, pending, results, &mu, "run canceled")
			return results, errRunCanceled
		}
		mu.Lock()
		stop := fatal != nil
		mu.Unlock()
		if stop {
			e.skipPending(ctx, in, pending, results, &mu, "prior step failed")
			break
		}

		ready := e.readySteps(in.Plan, order, pending, results)
		if len(ready) == 0 {
			// Remaining steps depend on failed or skipped work.
			e.skipPending(ctx, in, pending, results, &mu, "dependency did not succeed")
			break
		}

		sem := make(chan struct{}, e.parallelism)
		var wg sync.WaitGroup
		for _, id := range ready {
			delete(pending, id)
			step := in.Plan.StepByID(id)
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				result := e.runStep(ctx, in, step, snapshotResults(&mu, results))
				mu.Lock()
				results[step.StepID] = result
				if result.Status == contracts.StepFailed && !step.ContinueOnError && fatal == nil {
					fatal = result.Error
					if fatal == nil {
						fatal = contracts.Faultf(contracts.ErrInternal, "step %s failed", step.StepID)
					}
				}
				mu.Unlock()
				if err := in.Emit(ctx, contracts.ArtifactUpdate{ArtifactType: contracts.ArtifactStepResult, Artifact: result}); err != nil {
					e.logger.Error("step result emission failed", "run_id", in.Run.RunID, "step_id", step.StepID, "error", err)
				}
			}()
		}
		wg.Wait()
	}

	if fatal != nil {
		return results, fatal
	}
	return results, nil
}

// errRunCanceled signals external cancellation to the pipeline.
var errRunCanceled = contracts.Faultf(contracts.ErrInternal, "run canceled")

// ErrRunCanceled reports whether err is the cancellation sentinel.
func ErrRunCanceled(err error) bool { return err == errRunCanceled }

func (e *Executor) runCanceled(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.State == contracts.RunStateCanceled, nil
}

// readySteps returns pending steps whose dependencies all succeeded (or
// were skipped-with-continue semantics do not apply: only succeeded counts).
func (e *Executor) readySteps(plan *contracts.Plan, order []string, pending map[string]bool, results map[string]*contracts.StepResult) []string {
	var ready []string
	for _, id := range order {
		if !pending[id] {
			continue
		}
		step := plan.StepByID(id)
		ok := true
		for _, dep := range step.DependsOn {
			r := results[dep]
			if r == nil || r.Status != contracts.StepSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func (e *Executor) skipPending(ctx context.Context, in Input, pending map[string]bool, results map[string]*contracts.StepResult, mu *sync.Mutex, reason string) {
	for id := range pending {
		delete(pending, id)
		result := &contracts.StepResult{
			StepID: id,
			Status: contracts.StepSkipped,
			Error:  contracts.Faultf(contracts.ErrInternal, "skipped: %s", reason),
		}
		mu.Lock()
		results[id] = result
		mu.Unlock()
		if err := in.Emit(ctx, contracts.ArtifactUpdate{ArtifactType: contracts.ArtifactStepResult, Artifact: result}); err != nil {
			e.logger.Error("skip emission failed", "run_id", in.Run.RunID, "step_id", id, "error", err)
		}
	}
}

func snapshotResults(mu *sync.Mutex, results map[string]*contracts.StepResult) map[string]*contracts.StepResult {
	mu.Lock()
	defer mu.Unlock()
	cp := make(map[string]*contracts.StepResult, len(results))
	for k, v := range results {
		cp[k] = v
	}
	return cp
}

// runStep executes one step through the full gauntlet. It never returns an
// error: every failure mode is folded into the StepResult.
func (e *Executor) runStep(ctx context.Context, in Input, step *contracts.Step, prior map[string]*contracts.StepResult) *contracts.StepResult {
	result := &contracts.StepResult{StepID: step.StepID}

	fail := func(f *contracts.Fault) *contracts.StepResult {
		result.Status = contracts.StepFailed
		result.Error = f
		e.logger.Warn("step failed",
			"run_id", in.Run.RunID, "step_id", step.StepID, "action_id", step.ActionID,
			"kind", f.Kind, "error", f.Message)
		return result
	}

	action := in.Doc.ActionByID(step.ActionID)
	if action == nil {
		return fail(contracts.Faultf(contracts.ErrInvalidInput, "action %s is not in the effective registry", step.ActionID))
	}

	// 1. Bind args against prior step outputs, then type-check.
	args, fault := bindArgs(step.Args, prior)
	if fault != nil {
		return fail(fault)
	}
	if fault := validateSchema(action.SchemaIn, args, "schema_in"); fault != nil {
		return fail(fault)
	}

	// 2. Exec-phase policy gate.
	verdict := policy.Evaluate(in.Doc.PoliciesForPhase(policy.PhaseExec), in.RunCtx, policy.Subject{
		Phase:    policy.PhaseExec,
		ActionID: step.ActionID,
		ToolID:   action.ToolID,
		StepID:   step.StepID,
	})
	result.PolicyIDs = verdict.MatchedPolicyIDs
	if !verdict.Allow {
		return fail(contracts.Faultf(contracts.ErrPolicyDenied, "action %s denied: %s", step.ActionID, verdict.DenyReason))
	}

	// 3. Idempotency key.
	idemKey, fault := deriveIdemKey(action, args, in.Run.TenantID)
	if fault != nil {
		return fail(fault)
	}
	result.IdempotencyKey = idemKey

	// 4. Cache check: a hit short-circuits invocation entirely.
	if idemKey != "" {
		entry, hit, err := e.store.StepCacheGet(ctx, idemKey)
		if err != nil {
			return fail(contracts.Classify(err))
		}
		if hit && cachedOutputStillValid(action, entry) {
			result.Status = contracts.StepSucceeded
			result.Output = entry.Output
			return result
		}
	}

	// 5. Budget debit.
	cost := effectiveCost(action, step, verdict)
	deltas := map[string]int64{contracts.MetricToolCalls: 1}
	if cost > 0 {
		deltas[contracts.MetricCostUnits] = cost
	}
	if err := e.store.ConsumeBudget(ctx, in.Run.RunID, deltas, in.Doc.Limits.Budget); err != nil {
		return fail(contracts.Classify(err))
	}

	// 6+7. Invoke with the action's retry class.
	output, attempts, fault := e.invokeWithRetry(ctx, in, step, action, args, idemKey)
	result.Attempts = attempts
	if fault != nil {
		return fail(fault)
	}

	// 8. Obligations that bind to the step itself.
	for _, ob := range verdict.Obligations {
		if ob.Kind != contracts.ObligationMustReferencePolicyID || !action.SideEffect {
			continue
		}
		if !containsString(result.PolicyIDs, ob.PolicyID) {
			return fail(contracts.Faultf(contracts.ErrPolicyDenied,
				"step %s must reference policy %s", step.StepID, ob.PolicyID))
		}
	}

	// 9. Persist and report.
	if idemKey != "" {
		if err := e.store.StepCachePut(ctx, idemKey, store.CachedStep{ActionID: action.ActionID, Output: output}); err != nil {
			return fail(contracts.Classify(err))
		}
	}
	result.Status = contracts.StepSucceeded
	result.Output = output
	return result
}

// cachedOutputStillValid revalidates a cache hit against the action's
// current schema_out. A stale entry is treated as a miss and will be
// overwritten by the fresh invocation.
func cachedOutputStillValid(action *registry.Action, entry *store.CachedStep) bool {
	if len(action.SchemaOut) == 0 {
		return true
	}
	return validateSchema(action.SchemaOut, entry.Output, "schema_out") == nil
}

func effectiveCost(action *registry.Action, step *contracts.Step, verdict contracts.Verdict) int64 {
	cost := action.CostUnits
	if step.CostUnits != nil {
		cost = *step.CostUnits
	}
	if verdict.EffectiveCostUnits != nil {
		cost = *verdict.EffectiveCostUnits
	}
	return cost
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (e *Executor) invokeWithRetry(ctx context.Context, in Input, step *contracts.Step, action *registry.Action, args map[string]any, idemKey string) (any, int, *contracts.Fault) {
	rc := in.Doc.RetryClassFor(action)
	maxAttempts := rc.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastFault *contracts.Fault
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.invokeOnce(ctx, in, step, action, args)
		if err == nil {
			return output, attempt, nil
		}
		lastFault = contracts.Classify(err)
		if !lastFault.Kind.Retryable() || attempt == maxAttempts {
			return nil, attempt, lastFault
		}
		delay := backoffDelay(rc, attempt, idemKey+"|"+step.StepID)
		if lastFault.Kind == contracts.ErrRateLimited && lastFault.RetryAfter > 0 {
			delay = lastFault.RetryAfter
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, attempt, contracts.Classify(err)
		}
	}
	return nil, maxAttempts, lastFault
}

func (e *Executor) invokeOnce(ctx context.Context, in Input, step *contracts.Step, action *registry.Action, args map[string]any) (any, error) {
	invokeCtx := ctx
	if action.TimeoutS > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, time.Duration(action.TimeoutS)*time.Second)
		defer cancel()
	}
	output, err := e.tool.Invoke(invokeCtx, adapters.InvokeRequest{
		RunID:    in.Run.RunID,
		TenantID: in.Run.TenantID,
		ToolID:   action.ToolID,
		ActionID: action.ActionID,
		Args:     args,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", action.ActionID, err)
	}
	return output, nil
}
