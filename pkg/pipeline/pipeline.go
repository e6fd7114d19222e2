// Package pipeline drives the per-run phase state machine: ingest,
// context, plan, approval gate, execution, synthesis and completion. Every
// phase persists its events before any subscriber sees them, and the event
// log is the source of truth for restarting a reclaimed run.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"github.com/Creativityliberty/Os-frame/pkg/adapters"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/executor"
	"github.com/Creativityliberty/Os-frame/pkg/policy"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// Publisher receives every event after it is durable. The streamer
// implements it; tests substitute probes.
type Publisher interface {
	Publish(ev *contracts.Event)
}

// Config bounds pipeline behavior.
type Config struct {
	// SnapshotEvery writes a compact run projection every N events.
	SnapshotEvery uint64
	// ApprovalTimeout fails a run stuck in input-required; 0 waits
	// indefinitely.
	ApprovalTimeout time.Duration
	// ApprovalPoll is the decision polling interval.
	ApprovalPoll time.Duration
}

// Pipeline advances runs through their phases.
type Pipeline struct {
	store     store.Store
	loader    *registry.Loader
	planner   adapters.Planner
	ctxProv   adapters.ContextProvider
	exec      *executor.Executor
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time

	// beforeSend runs between persistence and publication. Test hook for
	// the persist-before-send invariant.
	beforeSend func(ev *contracts.Event)
}

// New assembles a pipeline.
func New(st store.Store, loader *registry.Loader, planner adapters.Planner, ctxProv adapters.ContextProvider, exec *executor.Executor, publisher Publisher, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = 25
	}
	if cfg.ApprovalPoll <= 0 {
		cfg.ApprovalPoll = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     st,
		loader:    loader,
		planner:   planner,
		ctxProv:   ctxProv,
		exec:      exec,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("wmag/pipeline"),
		clock:     time.Now,
	}
}

// WithBeforeSend installs the persist-before-send probe.
func (p *Pipeline) WithBeforeSend(hook func(ev *contracts.Event)) *Pipeline {
	p.beforeSend = hook
	return p
}

// progress is the state recovered from a run's event log.
type progress struct {
	lastState   contracts.RunState
	contextPack any
	plan        *contracts.Plan
	stepResults map[string]*contracts.StepResult
	artifacts   map[contracts.ArtifactType]int
	finalDone   bool
}

// Run drives one run to a terminal state. It is safe to call on a
// reclaimed run: progress is recomputed from the persisted event log.
func (p *Pipeline) Run(ctx context.Context, runID string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	log := p.logger.With("run_id", run.RunID, "tenant_id", run.TenantID)

	prog, err := p.recoverProgress(ctx, runID)
	if err != nil {
		return p.failRun(ctx, run, contracts.Classify(err))
	}

	doc, err := p.loader.Effective(run.OrgID, run.TenantID, run.UserID)
	if err != nil {
		return p.failRun(ctx, run, contracts.Faultf(contracts.ErrInternal, "effective registry: %v", err))
	}
	rc := policy.RunContext{TenantID: run.TenantID, OrgID: run.OrgID, UserID: run.UserID, Roles: p.rolesFor(doc, run)}

	// LoadContext: announce the run is working.
	if run.State == contracts.RunStateSubmitted {
		if err := p.emitStatus(ctx, run, contracts.RunStateWorking, "run claimed", nil); err != nil {
			return err
		}
	}

	// SelectWorldNodes.
	if prog.artifacts[contracts.ArtifactContextPack] == 0 {
		pack, err := p.ctxProv.Collect(ctx, adapters.ContextQuery{RunID: run.RunID, TenantID: run.TenantID, UserMessage: run.Title})
		if err != nil {
			return p.failRun(ctx, run, contracts.Classify(err))
		}
		prog.contextPack = pack
		if _, err := p.emit(ctx, run, contracts.ArtifactUpdate{ArtifactType: contracts.ArtifactContextPack, Artifact: pack}); err != nil {
			return err
		}
	}

	// Plan. Each planner invocation debits the run's llm_calls budget.
	if prog.plan == nil {
		if err := p.store.ConsumeBudget(ctx, run.RunID, map[string]int64{contracts.MetricLLMCalls: 1}, doc.Limits.Budget); err != nil {
			return p.failRun(ctx, run, contracts.Classify(err))
		}
		plan, fault := p.buildPlan(ctx, run, prog.contextPack)
		if fault != nil {
			return p.failRun(ctx, run, fault)
		}
		prog.plan = plan
	}

	// Plan-phase policy pass: cost injection, approval requirements,
	// obligations, denials. Deterministic, so recomputed on restart.
	planEval := p.evaluatePlanPolicies(doc, rc, prog.plan)
	if planEval.denied != nil {
		return p.failRun(ctx, run, planEval.denied)
	}
	if prog.artifacts[contracts.ArtifactPlan] == 0 {
		if _, err := p.emit(ctx, run, contracts.ArtifactUpdate{ArtifactType: contracts.ArtifactPlan, Artifact: prog.plan}); err != nil {
			return err
		}
	}

	// GateApproval.
	requiresApproval := prog.plan.Controls.RequiresApproval || planEval.requireApproval
	if requiresApproval {
		proceed, err := p.gateApproval(ctx, run, log)
		if err != nil || !proceed {
			return err
		}
	}

	// ExecuteSteps.
	if run.State != contracts.RunStateWorking {
		if err := p.emitStatus(ctx, run, contracts.RunStateWorking, "approved", nil); err != nil {
			return err
		}
	}
	results, execErr := p.exec.ExecutePlan(ctx, executor.Input{
		Run:    run,
		Doc:    doc,
		Plan:   prog.plan,
		RunCtx: rc,
		Emit: func(ctx context.Context, payload contracts.EventPayload) error {
			_, err := p.emit(ctx, run, payload)
			return err
		},
		Prior: prog.stepResults,
	})
	if execErr != nil {
		if executor.ErrRunCanceled(execErr) {
			return p.emitStatus(ctx, run, contracts.RunStateCanceled, "canceled during execution", nil)
		}
		return p.failRun(ctx, run, contracts.Classify(execErr))
	}

	// Synthesize.
	if !prog.finalDone {
		final := synthesizeFinal(prog.plan, results)
		if _, err := p.emit(ctx, run, contracts.ArtifactUpdate{ArtifactType: contracts.ArtifactFinal, Artifact: final}); err != nil {
			return err
		}
		prog.artifacts[contracts.ArtifactFinal]++
	}

	// Complete: obligations must hold before the terminal status.
	if fault := EnforceEmitObligations(ctx, p.store, run.RunID, planEval.obligations); fault != nil {
		return p.failRun(ctx, run, fault)
	}
	log.Info("run completed", "steps", len(results))
	return p.emitStatus(ctx, run, contracts.RunStateCompleted, "run completed", nil)
}

func (p *Pipeline) rolesFor(doc *registry.Document, run *contracts.Run) []string {
	// Role assignment lives in the registry's roles section keyed by user
	// id; absent entries leave the run with no roles.
	if caps, ok := doc.Roles[run.UserID]; ok {
		return caps
	}
	return nil
}

// emit persists the event, then publishes it to subscribers.
func (p *Pipeline) emit(ctx context.Context, run *contracts.Run, payload contracts.EventPayload) (*contracts.Event, error) {
	ev, err := p.store.AppendEvent(ctx, run.RunID, payload)
	if err != nil {
		return nil, err
	}
	if p.beforeSend != nil {
		p.beforeSend(ev)
	}
	if p.publisher != nil {
		p.publisher.Publish(ev)
	}
	if p.cfg.SnapshotEvery > 0 && ev.Seq%p.cfg.SnapshotEvery == 0 {
		if err := p.store.Snapshot(ctx, run.RunID); err != nil {
			p.logger.Warn("snapshot failed", "run_id", run.RunID, "error", err)
		}
	}
	return ev, nil
}

// emitStatus persists a status event and moves the run row with it.
func (p *Pipeline) emitStatus(ctx context.Context, run *contracts.Run, state contracts.RunState, message string, meta map[string]any) error {
	if _, err := p.emit(ctx, run, contracts.StatusUpdate{State: state, Message: message, Meta: meta}); err != nil {
		return err
	}
	if err := p.store.UpdateRunState(ctx, run.RunID, state); err != nil {
		return err
	}
	run.State = state
	return nil
}

func (p *Pipeline) failRun(ctx context.Context, run *contracts.Run, fault *contracts.Fault) error {
	p.logger.Error("run failed", "run_id", run.RunID, "kind", fault.Kind, "error", fault.Message)
	return p.emitStatus(ctx, run, contracts.RunStateFailed, fault.Message, map[string]any{"error_kind": string(fault.Kind)})
}

// buildPlan asks the planner for plan JSON and validates it strictly.
func (p *Pipeline) buildPlan(ctx context.Context, run *contracts.Run, contextPack any) (*contracts.Plan, *contracts.Fault) {
	raw, err := p.planner.BuildPlan(ctx, adapters.PlannerInput{
		RunID:       run.RunID,
		TaskID:      run.TaskID,
		TenantID:    run.TenantID,
		UserMessage: run.Title,
		ContextPack: contextPack,
	})
	if err != nil {
		return nil, contracts.Classify(err)
	}
	plan, fault := ParsePlan(raw)
	if fault != nil {
		return nil, fault
	}
	return plan, nil
}

// ParsePlan decodes and validates plan JSON. Unknown fields fail closed.
func ParsePlan(raw json.RawMessage) (*contracts.Plan, *contracts.Fault) {
	var plan contracts.Plan
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "plan does not parse: %v", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "%v", err)
	}
	return &plan, nil
}

type planEvaluation struct {
	requireApproval bool
	obligations     []contracts.Obligation
	denied          *contracts.Fault
}

// evaluatePlanPolicies runs plan-phase rules over every step, mutating step
// cost overrides in place and collecting approval and obligation demands.
func (p *Pipeline) evaluatePlanPolicies(doc *registry.Document, rc policy.RunContext, plan *contracts.Plan) planEvaluation {
	var eval planEvaluation
	rules := doc.PoliciesForPhase(policy.PhasePlan)
	seen := make(map[contracts.Obligation]struct{})
	for i := range plan.Steps {
		step := &plan.Steps[i]
		var toolID string
		if action := doc.ActionByID(step.ActionID); action != nil {
			toolID = action.ToolID
			if action.Security.RequiresApproval {
				eval.requireApproval = true
			}
		}
		verdict := policy.Evaluate(rules, rc, policy.Subject{
			Phase:    policy.PhasePlan,
			ActionID: step.ActionID,
			ToolID:   toolID,
			StepID:   step.StepID,
		})
		if !verdict.Allow && eval.denied == nil {
			eval.denied = contracts.Faultf(contracts.ErrPolicyDenied, "plan step %s denied: %s", step.StepID, verdict.DenyReason)
		}
		if verdict.RequireApproval {
			eval.requireApproval = true
		}
		if verdict.EffectiveCostUnits != nil {
			v := *verdict.EffectiveCostUnits
			step.CostUnits = &v
		}
		for _, ob := range verdict.Obligations {
			if _, dup := seen[ob]; !dup {
				seen[ob] = struct{}{}
				eval.obligations = append(eval.obligations, ob)
			}
		}
	}
	return eval
}

// gateApproval pauses the run until a human decision or timeout. Returns
// proceed=false when the run reached a terminal state here.
func (p *Pipeline) gateApproval(ctx context.Context, run *contracts.Run, log *slog.Logger) (bool, error) {
	approval, err := p.store.GetApproval(ctx, run.RunID)
	if err != nil {
		// No approval yet: create the gate and pause the run.
		approval = &contracts.Approval{
			ApprovalID: newID("appr"),
			RunID:      run.RunID,
			State:      contracts.ApprovalPending,
			CreatedAt:  p.clock().UTC(),
		}
		if err := p.store.CreateApproval(ctx, approval); err != nil {
			return false, err
		}
	}

	switch approval.State {
	case contracts.ApprovalApproved:
		return true, nil
	case contracts.ApprovalDenied:
		return false, p.emitStatus(ctx, run, contracts.RunStateCanceled, "approval denied: "+approval.Reason, nil)
	}

	if run.State != contracts.RunStateInputRequired {
		if err := p.emitStatus(ctx, run, contracts.RunStateInputRequired, "approval required", map[string]any{"approval_id": approval.ApprovalID}); err != nil {
			return false, err
		}
	}
	log.Info("run awaiting approval", "approval_id", approval.ApprovalID)

	deadline := time.Time{}
	if p.cfg.ApprovalTimeout > 0 {
		deadline = p.clock().Add(p.cfg.ApprovalTimeout)
	}
	ticker := time.NewTicker(p.cfg.ApprovalPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		decided, err := p.store.GetApproval(ctx, run.RunID)
		if err != nil {
			return false, err
		}
		switch decided.State {
		case contracts.ApprovalApproved:
			return true, nil
		case contracts.ApprovalDenied:
			return false, p.emitStatus(ctx, run, contracts.RunStateCanceled, "approval denied: "+decided.Reason, nil)
		}
		if !deadline.IsZero() && p.clock().After(deadline) {
			return false, p.failRun(ctx, run, contracts.Faultf(contracts.ErrTimeout, "approval timed out"))
		}
		canceled, err := p.runCanceledExternally(ctx, run.RunID)
		if err != nil {
			return false, err
		}
		if canceled {
			return false, p.emitStatus(ctx, run, contracts.RunStateCanceled, "canceled while awaiting approval", nil)
		}
	}
}

func (p *Pipeline) runCanceledExternally(ctx context.Context, runID string) (bool, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.State == contracts.RunStateCanceled, nil
}

// EnforceEmitObligations enforces must_emit_artifact demands against the
// persisted log. A run under such an obligation cannot complete without at
// least one artifact of the demanded type.
func EnforceEmitObligations(ctx context.Context, st store.Store, runID string, obligations []contracts.Obligation) *contracts.Fault {
	var required []contracts.ArtifactType
	for _, ob := range obligations {
		if ob.Kind == contracts.ObligationMustEmitArtifact {
			required = append(required, ob.ArtifactType)
		}
	}
	if len(required) == 0 {
		return nil
	}
	events, err := st.GetEvents(ctx, runID, 0)
	if err != nil {
		return contracts.Classify(err)
	}
	present := make(map[contracts.ArtifactType]bool)
	for _, ev := range events {
		if a, ok := ev.Payload.(contracts.ArtifactUpdate); ok {
			present[a.ArtifactType] = true
		}
	}
	for _, want := range required {
		if !present[want] {
			return contracts.Faultf(contracts.ErrPolicyDenied, "obligation unmet: no %s artifact emitted", want)
		}
	}
	return nil
}

// synthesizeFinal folds step outputs into the terminal artifact.
func synthesizeFinal(plan *contracts.Plan, results map[string]*contracts.StepResult) map[string]any {
	steps := make(map[string]any, len(results))
	for id, r := range results {
		steps[id] = map[string]any{
			"status": r.Status,
			"output": r.Output,
		}
	}
	return map[string]any{
		"plan_id": plan.PlanID,
		"steps":   steps,
	}
}

// recoverProgress replays the persisted log into in-memory phase state.
func (p *Pipeline) recoverProgress(ctx context.Context, runID string) (*progress, error) {
	prog := &progress{
		stepResults: make(map[string]*contracts.StepResult),
		artifacts:   make(map[contracts.ArtifactType]int),
	}
	events, err := p.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		switch payload := ev.Payload.(type) {
		case contracts.StatusUpdate:
			prog.lastState = payload.State
		case contracts.ArtifactUpdate:
			prog.artifacts[payload.ArtifactType]++
			switch payload.ArtifactType {
			case contracts.ArtifactContextPack:
				prog.contextPack = payload.Artifact
			case contracts.ArtifactPlan:
				plan, fault := decodeArtifact[contracts.Plan](payload.Artifact)
				if fault != nil {
					return nil, fault
				}
				prog.plan = plan
			case contracts.ArtifactStepResult:
				result, fault := decodeArtifact[contracts.StepResult](payload.Artifact)
				if fault != nil {
					return nil, fault
				}
				prog.stepResults[result.StepID] = result
			case contracts.ArtifactFinal:
				prog.finalDone = true
			}
		}
	}
	return prog, nil
}

// decodeArtifact re-shapes an artifact (a typed value in-process, a generic
// map when read back from storage) into its concrete type.
func decodeArtifact[T any](artifact any) (*T, *contracts.Fault) {
	if typed, ok := artifact.(*T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return nil, contracts.Faultf(contracts.ErrInternal, "artifact does not re-encode: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, contracts.Faultf(contracts.ErrInternal, "artifact does not decode: %v", err)
	}
	return &out, nil
}
