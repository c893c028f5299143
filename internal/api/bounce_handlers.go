package api

import (
	"net/http"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/httputil"
)

// HandleBounce accepts a normalized bounce or complaint.
func (s *Server) HandleBounce(w http.ResponseWriter, r *http.Request) {
	var ev domain.BounceEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.deps.Now().UTC()
	}
	out, err := s.deps.Flow.ClassifyAndApply(r.Context(), ev)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, out)
}

type unsubscribeRequest struct {
	Email     string         `json:"email,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HandleUnsubscribe suppresses an address given directly or through the
// message it was sent.
func (s *Server) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "unsubscribe request"
	}
	ctx := r.Context()
	switch {
	case req.MessageID != "":
		out, err := s.deps.Flow.ProcessUnsubscribeMessage(ctx, req.MessageID, req.Reason, req.Metadata)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.OK(w, out)
	case req.Email != "":
		out, err := s.deps.Flow.ProcessUnsubscribe(ctx, req.Email, req.Reason)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.OK(w, out)
	default:
		httputil.WriteError(w, &domain.ValidationError{Field: "email", Message: "email or message_id is required"})
	}
}
