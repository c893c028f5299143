package tracking

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Sink receives tracking events from the public endpoints.
type Sink interface {
	Track(ctx context.Context, ev domain.TrackEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev domain.TrackEvent) error

// Track calls f.
func (f SinkFunc) Track(ctx context.Context, ev domain.TrackEvent) error { return f(ctx, ev) }

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRedirectStatus sets the click redirect code. Only 302 and 307 are
// accepted.
func WithRedirectStatus(code int) HandlerOption {
	return func(h *Handler) {
		if code == http.StatusFound || code == http.StatusTemporaryRedirect {
			h.redirectStatus = code
		}
	}
}

// WithHandlerClock overrides the event timestamp source.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// Handler serves the public open, click and unsubscribe endpoints.
type Handler struct {
	links          *URLBuilder
	sink           Sink
	redirectStatus int
	now            func() time.Time
}

// NewHandler creates a Handler verifying links and forwarding to sink.
func NewHandler(links *URLBuilder, sink Sink, opts ...HandlerOption) *Handler {
	h := &Handler{
		links:          links,
		sink:           sink,
		redirectStatus: http.StatusFound,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	// RFC 8058 one-click unsubscribe
	r.Post("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records an open and always serves the pixel, so mail clients
// never show a broken image.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	messageID, err := h.links.ParseOpen(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err == nil {
		h.emit(r, domain.TrackEvent{Type: domain.EngagementOpen, MessageID: messageID})
	} else {
		logger.Debug("[Tracking] rejected open link", "error", err)
	}
	h.servePixel(w)
}

// HandleClick records a click and redirects to the original destination.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	messageID, dest, err := h.links.ParseClick(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.emit(r, domain.TrackEvent{Type: domain.EngagementClick, MessageID: messageID, URL: dest})

	// Location is set directly so the destination is not re-escaped.
	w.Header().Set("Location", dest)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(h.redirectStatus)
}

// HandleUnsubscribe records the unsubscribe and confirms it.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	messageID, err := h.links.ParseUnsubscribe(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	if err := h.emit(r, domain.TrackEvent{Type: domain.EngagementUnsubscribe, MessageID: messageID}); err != nil {
		http.Error(w, "unsubscribe failed, please try again", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) emit(r *http.Request, ev domain.TrackEvent) error {
	ev.IPAddress = realIP(r)
	ev.UserAgent = r.UserAgent()
	ev.Timestamp = h.now().UTC()
	err := h.sink.Track(r.Context(), ev)
	if err != nil {
		logger.WarnCtx(r.Context(), "[Tracking] event not recorded",
			"type", ev.Type, "message_id", ev.MessageID, "error", err)
	}
	return err
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
