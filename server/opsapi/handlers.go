package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/health"
	"github.com/migadu/ruled/server/engine"
)

type outcomeView struct {
	RuleID  int64  `json:"rule_id"`
	Type    string `json:"type"`
	Matched bool   `json:"matched"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type reportView struct {
	MessageID int64         `json:"message_id"`
	Matched   []int64       `json:"matched"`
	Executed  []int64       `json:"executed"`
	StoppedBy int64         `json:"stopped_by,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Outcomes  []outcomeView `json:"outcomes"`
}

func newReportView(r *engine.Report) reportView {
	v := reportView{
		MessageID: r.MessageID,
		Matched:   nonNil(r.Matched),
		Executed:  nonNil(r.Executed),
		StoppedBy: r.StoppedBy,
		Cancelled: r.Cancelled,
		Outcomes:  make([]outcomeView, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		ov := outcomeView{RuleID: o.RuleID, Type: string(o.Type), Matched: o.Matched, Outcome: o.Outcome}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	return v
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

type eventView struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type mailboxView struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	TotalCount  int64  `json:"total_count"`
	UnreadCount int64  `json:"unread_count"`
}

// handleHealth pings the store. With a component monitor wired, the
// monitored components are reported too, and an unhealthy critical component
// answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		logger.Warn("Ops API: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	overall := s.deps.Health.Overall()
	code, status := http.StatusOK, "ok"
	switch overall {
	case health.StatusDegraded:
		status = "degraded"
	case health.StatusUnhealthy, health.StatusUnreachable:
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, code, map[string]any{"status": status, "components": s.deps.Health.Reports()})
}

// handleApply runs the rule chain for a message. With ?async=true the message
// is queued and 202 returned immediately, or 503 when the queue is full.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		// The queued run outlives the request; a full queue is refused
		// rather than holding the connection open.
		if _, err := s.deps.Ingestor.TrySubmit(context.WithoutCancel(r.Context()), id); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id, "queued": true})
		return
	}

	report, err := s.deps.Ingestor.ApplyNow(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(report))
}

// handleValidateRule checks a rule draft without storing it. When message_id
// is given the condition is also evaluated against that message.
func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var draft engine.Draft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	rule, err := draft.Rule()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "error": err.Error()})
		return
	}

	resp := map[string]any{
		"valid":    true,
		"type":     string(rule.Type),
		"terminal": rule.Terminal(),
	}
	if msgID := int64(queryInt(r, "message_id", 0)); msgID > 0 {
		matched, err := s.deps.Engine.TestCondition(r.Context(), rule.Condition, msgID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		resp["message_id"] = msgID
		resp["matches"] = matched
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events, err := s.deps.Store.ListOutboxEvents(r.Context(), db.OutboxFailed, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:            e.ID,
			EventID:       e.EventID,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventType:     e.EventType,
			Status:        e.Status,
			RetryCount:    e.RetryCount,
			ErrorMessage:  e.ErrorMessage,
			CreatedAt:     e.CreatedAt,
			ProcessedAt:   e.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "count": len(views), "limit": limit})
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.OutboxStats(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":       stats.Pending,
		"processing":    stats.Processing,
		"published":     stats.Published,
		"failed":        stats.Failed,
		"oldest_due_at": stats.OldestDueAt,
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id")
		return
	}
	if err := s.deps.Store.RequeueOutboxEvent(r.Context(), id, s.now().UTC()); err != nil {
		writeFailure(w, err)
		return
	}
	if s.deps.Waker != nil {
		s.deps.Waker.Notify()
	}
	logger.Info("Ops API: outbox event requeued", "event_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": db.OutboxPending})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mailbox id")
		return
	}
	mb, err := s.deps.Counters.RecalculateCounts(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mailboxView{
		ID:          mb.ID,
		UserID:      mb.UserID,
		Name:        mb.Name,
		Type:        mb.Type,
		TotalCount:  mb.TotalCount,
		UnreadCount: mb.UnreadCount,
	})
}
