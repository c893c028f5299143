package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/httputil"
	"github.com/ignite/deliverytrack/internal/service/sending"
)

// HandleSend runs the send path. A suppressed recipient is a 409 carrying
// the decision; a transport failure is a 502 carrying the failed outcome.
func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sending.SendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	out, err := s.deps.Flow.Send(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	switch {
	case out.Suppressed:
		httputil.WriteError(w, &domain.SuppressedError{Email: req.Email, Decision: out.Decision})
	case out.Status == domain.StatusFailed:
		httputil.JSON(w, http.StatusBadGateway, out)
	default:
		httputil.Accepted(w, out)
	}
}

// HandleGetDelivery returns a delivery record with its engagement events.
func (s *Server) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	rec, err := s.deps.Flow.Deliveries.Get(r.Context(), messageID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := s.deps.Flow.Engagement.Events(r.Context(), messageID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []domain.EngagementEvent{}
	}
	httputil.OK(w, map[string]any{"delivery": rec, "events": events})
}

type statusRequest struct {
	Status       domain.DeliveryStatus `json:"status"`
	BounceReason *string               `json:"bounce_reason,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	TrackingData map[string]any        `json:"tracking_data,omitempty"`
}

// HandleUpdateStatus is the transport status callback.
func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	change, err := s.deps.Flow.UpdateStatus(r.Context(), chi.URLParam(r, "messageID"), req.Status, domain.StatusUpdate{
		BounceReason: req.BounceReason,
		ErrorMessage: req.ErrorMessage,
		TrackingData: req.TrackingData,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, change)
}

type engagementRequest struct {
	Type     domain.EngagementType `json:"type"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// HandleRecordEngagement records an engagement reported by another system.
func (s *Server) HandleRecordEngagement(w http.ResponseWriter, r *http.Request) {
	var req engagementRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	req.Type = domain.EngagementType(strings.ToLower(string(req.Type)))
	res, err := s.deps.Flow.RecordEngagement(r.Context(), chi.URLParam(r, "messageID"), req.Type, req.Metadata)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, res)
}
