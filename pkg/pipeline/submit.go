package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// Mission is a user request instantiating one run.
type Mission struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	UserMessage string   `json:"user_message"`
	Title       string   `json:"title,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Receipt identifies the run a mission instantiated.
type Receipt struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// Submit is the IngestTask phase: validate the mission, create the run,
// emit the submitted event and queue a job for the workers. The submitted
// event is durable before Submit returns, so subscribers joining
// immediately replay it.
func Submit(ctx context.Context, st store.Store, publisher Publisher, mission Mission, clock func() time.Time) (*Receipt, error) {
	if strings.TrimSpace(mission.UserMessage) == "" {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "mission requires user_message")
	}
	if mission.TenantID == "" {
		mission.TenantID = "default"
	}
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()

	title := mission.Title
	if title == "" {
		title = mission.UserMessage
	}
	run := &contracts.Run{
		RunID:      newID("run"),
		TaskID:     newID("task"),
		TenantID:   mission.TenantID,
		OrgID:      mission.OrgID,
		UserID:     mission.UserID,
		State:      contracts.RunStateSubmitted,
		Title:      title,
		Tags:       mission.Tags,
		BudgetUsed: map[string]int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ev, err := st.AppendEvent(ctx, run.RunID, contracts.StatusUpdate{
		State:   contracts.RunStateSubmitted,
		Message: "mission accepted",
		Meta:    map[string]any{"task_id": run.TaskID},
	})
	if err != nil {
		return nil, fmt.Errorf("persist submitted event: %w", err)
	}
	if publisher != nil {
		publisher.Publish(ev)
	}

	job := &contracts.Job{
		JobID:     newID("job"),
		RunID:     run.RunID,
		TenantID:  run.TenantID,
		State:     contracts.JobQueued,
		CreatedAt: now,
	}
	if err := st.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return &Receipt{TaskID: run.TaskID, RunID: run.RunID}, nil
}

// Cancel requests external cancellation; the pipeline honors it at the
// next safe boundary.
func Cancel(ctx context.Context, st store.Store, runID string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("%w: run %s already terminal", store.ErrConflict, runID)
	}
	return st.UpdateRunState(ctx, runID, contracts.RunStateCanceled)
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
