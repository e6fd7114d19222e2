package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Creativityliberty/Os-frame/pkg/audit"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/pipeline"
	"github.com/Creativityliberty/Os-frame/pkg/ratelimit"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

func (s *Server) handleMissionSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var mission pipeline.Mission
	if err := json.NewDecoder(r.Body).Decode(&mission); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	// An authenticated identity pins the mission scope; anonymous dev
	// requests may carry their own.
	id := IdentityFrom(r.Context())
	if id.TenantID != "" {
		mission.TenantID = id.TenantID
		mission.OrgID = id.OrgID
		mission.UserID = id.UserID
	}

	if s.limiter != nil {
		doc, err := s.loader.Effective(mission.OrgID, mission.TenantID, mission.UserID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := ratelimit.Check(r.Context(), s.limiter, doc.Limits.RPM, ratelimit.Scopes{
			TenantID: mission.TenantID,
			OrgID:    mission.OrgID,
			UserID:   mission.UserID,
		}); err != nil {
			WriteError(w, err)
			return
		}
	}

	receipt, err := pipeline.Submit(r.Context(), s.store, s.streamer, mission, s.clock)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.record(r, audit.EventMutation, "mission:submit", receipt.RunID, map[string]any{"task_id": receipt.TaskID})
	WriteJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Query:  q.Get("query"),
		State:  contracts.RunState(q.Get("state")),
		Tag:    q.Get("tag"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq, _ := strconv.ParseUint(r.URL.Query().Get("since_seq"), 10, 64)
	runID := r.PathValue("run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), runID, sinceSeq)
	if err != nil {
		WriteError(w, err)
		return
	}
	frames := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		frames = append(frames, frameFor(run, ev))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": frames})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.VerifyChain(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), runID, 0)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"run": run, "events": events})
}

func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Title *string  `json:"title,omitempty"`
		Tags  []string `json:"tags,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	runID := r.PathValue("run_id")
	if err := s.store.PatchRunMeta(r.Context(), runID, patch.Title, patch.Tags); err != nil {
		WriteError(w, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		By       string `json:"by,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	var decision contracts.ApprovalState
	switch body.Decision {
	case "approved":
		decision = contracts.ApprovalApproved
	case "denied":
		decision = contracts.ApprovalDenied
	default:
		WriteBadRequest(w, "decision must be approved or denied")
		return
	}

	runID := r.PathValue("run_id")
	if _, err := s.store.DecideApproval(r.Context(), runID, decision, body.By, body.Reason); err != nil {
		WriteError(w, err)
		return
	}
	s.record(r, audit.EventMutation, "approval:"+body.Decision, runID, map[string]any{"by": body.By, "reason": body.Reason})
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := pipeline.Cancel(r.Context(), s.store, runID); err != nil {
		WriteError(w, err)
		return
	}
	s.record(r, audit.EventMutation, "run:cancel", runID, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRegistryGet(w http.ResponseWriter, r *http.Request) {
	if err := s.requireCapability(r, registry.CapRegistryRead); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.loader.Base())
}

func (s *Server) handleRegistryPut(w http.ResponseWriter, r *http.Request) {
	if err := s.requireCapability(r, registry.CapRegistryWrite); err != nil {
		WriteError(w, err)
		return
	}
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteBadRequest(w, "invalid registry document")
		return
	}
	if err := s.loader.Replace(raw); err != nil {
		WriteError(w, contracts.Faultf(contracts.ErrInvalidInput, "%v", err))
		return
	}
	s.record(r, audit.EventMutation, "registry:replace", "registry", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRegistryEffective(w http.ResponseWriter, r *http.Request) {
	if err := s.requireCapability(r, registry.CapRegistryRead); err != nil {
		WriteError(w, err)
		return
	}
	q := r.URL.Query()
	id := IdentityFrom(r.Context())
	orgID, tenantID, userID := q.Get("org_id"), q.Get("tenant_id"), q.Get("user_id")
	if id.TenantID != "" {
		orgID, tenantID, userID = id.OrgID, id.TenantID, id.UserID
	}
	doc, err := s.loader.Effective(orgID, tenantID, userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"tools":   doc.Tools,
		"actions": doc.Actions,
		"roles":   doc.Roles,
		"limits":  doc.Limits,
		"retry":   doc.Retry,
	})
}

func (s *Server) record(r *http.Request, eventType audit.EventType, action, resource string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	id := IdentityFrom(r.Context())
	if err := s.audit.Record(r.Context(), audit.Entry{
		TenantID: id.TenantID,
		ActorID:  id.UserID,
		Type:     eventType,
		Action:   action,
		Resource: resource,
		Metadata: metadata,
	}); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
