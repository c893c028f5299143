package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/export"
	"github.com/ignite/deliverytrack/internal/pkg/httputil"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

// maxImportBytes caps a single import upload.
const maxImportBytes = 64 << 20

func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if e, err := url.PathUnescape(raw); err == nil {
		return e
	}
	return raw
}

func listFilter(r *http.Request) suppression.ListFilter {
	q := r.URL.Query()
	f := suppression.ListFilter{
		Type:   domain.SuppressionType(strings.ToLower(q.Get("type"))),
		Search: q.Get("search"),
	}
	f.IncludeExpired, _ = strconv.ParseBool(q.Get("include_expired"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

// HandleListSuppressions returns a filtered page of the list.
func (s *Server) HandleListSuppressions(w http.ResponseWriter, r *http.Request) {
	f := listFilter(r)
	if f.Type != "" && !f.Type.Valid() {
		httputil.WriteError(w, &domain.ValidationError{Field: "type", Message: "unknown type " + string(f.Type)})
		return
	}
	entries, total, err := s.deps.Flow.Policy.List(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.SuppressionEntry{}
	}
	httputil.OK(w, map[string]any{
		"suppressions": entries,
		"total":        total,
		"limit":        f.Limit,
		"offset":       f.Offset,
	})
}

// HandleAddSuppression upserts an operator-supplied entry.
func (s *Server) HandleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppression.AddRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	e, err := s.deps.Flow.Policy.AddSuppression(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, e)
}

// HandleRemoveSuppression deletes the entry for {email}.
func (s *Server) HandleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Flow.Policy.RemoveSuppression(r.Context(), emailParam(r)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.NoContent(w)
}

// HandleCheckSuppression answers whether {email} may be sent to now.
func (s *Server) HandleCheckSuppression(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	st, err := s.deps.Flow.Policy.IsSuppressed(r.Context(), email)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"email":      domain.NormalizeEmail(email),
		"suppressed": st.Suppressed,
		"can_send":   !st.Suppressed,
		"entry":      st.Entry,
	})
}

// HandleSuppressionStats aggregates the list.
func (s *Server) HandleSuppressionStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Flow.Policy.GetStats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleImportSuppressions imports `email[,type[,reason]]` lines from a raw
// CSV body or a multipart "file" field. Query parameters: default_type and
// ttl_hours (temporary entries when positive).
func (s *Server) HandleImportSuppressions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			httputil.BadRequest(w, "missing file field: "+err.Error())
			return
		}
		defer file.Close()
		body = file
	}

	opts := suppression.ImportOptions{
		DefaultType: domain.SuppressionType(strings.ToLower(r.URL.Query().Get("default_type"))),
	}
	if opts.DefaultType != "" && !opts.DefaultType.Valid() {
		httputil.WriteError(w, &domain.ValidationError{Field: "default_type", Message: "unknown type " + string(opts.DefaultType)})
		return
	}
	if v := r.URL.Query().Get("ttl_hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			httputil.WriteError(w, &domain.ValidationError{Field: "ttl_hours", Message: "must be a non-negative integer"})
			return
		}
		opts.TTL = time.Duration(hours) * time.Hour
	}

	res, err := s.deps.Flow.Policy.BulkImport(r.Context(), body, opts)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleExportSuppressions streams the filtered list as CSV, or uploads it
// to S3 when destination=s3 and an export bucket is configured.
func (s *Server) HandleExportSuppressions(w http.ResponseWriter, r *http.Request) {
	f := listFilter(r)
	if r.URL.Query().Get("destination") == "s3" {
		s.exportToS3(w, r, f)
		return
	}

	now := s.deps.Now().UTC()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="suppressions-%s.csv"`, now.Format("20060102")))

	sink := export.NewCSVWriter(w)
	if err := sink.WriteHeader(); err != nil {
		return
	}
	n, err := s.deps.Flow.Policy.Export(r.Context(), sink, f)
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		// headers are gone; the truncated body is all the client gets
		logger.ErrorCtx(r.Context(), "[API] suppression export failed", "written", n, "error", err)
	}
}

func (s *Server) exportToS3(w http.ResponseWriter, r *http.Request, f suppression.ListFilter) {
	cfg := s.deps.S3Export
	if cfg == nil || cfg.Client == nil || cfg.Bucket == "" {
		httputil.WriteError(w, &domain.ValidationError{Field: "destination", Message: "s3 export is not configured"})
		return
	}
	sink := export.NewS3Sink(cfg.Client, cfg.Bucket, cfg.Prefix, s.deps.Now())
	n, err := s.deps.Flow.Policy.Export(r.Context(), sink, f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := sink.Close(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"bucket": cfg.Bucket, "key": sink.Key(), "exported": n})
}
