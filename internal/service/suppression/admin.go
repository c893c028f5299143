package suppression

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// AddRequest is an operator-supplied suppression.
type AddRequest struct {
	Email       string                 `json:"email"`
	Type        domain.SuppressionType `json:"suppression_type"`
	BounceType  domain.BounceType      `json:"bounce_type,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	IsPermanent bool                   `json:"is_permanent"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

// AddSuppression upserts an entry. The previous entry, if any, is replaced
// field for field, never merged.
func (s *Service) AddSuppression(ctx context.Context, req AddRequest) (*domain.SuppressionEntry, error) {
	now := s.now().UTC()
	if req.Type == "" {
		req.Type = domain.SuppressionManual
	}
	e := &domain.SuppressionEntry{
		Email:       domain.NormalizeEmail(req.Email),
		Type:        req.Type,
		BounceType:  req.BounceType,
		Reason:      req.Reason,
		IsPermanent: req.IsPermanent,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if !strings.Contains(e.Email, "@") {
		return nil, &domain.ValidationError{Field: "email", Message: "must be an address"}
	}
	if err := s.repo.Upsert(ctx, e); err != nil {
		return nil, &domain.StoreError{Op: "upsert suppression", Err: err}
	}
	s.metrics.SuppressionWritten(string(e.Type), e.IsPermanent)
	return e, nil
}

// RemoveSuppression deletes the entry for email.
func (s *Service) RemoveSuppression(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return &domain.ValidationError{Field: "email", Message: "is required"}
	}
	if err := s.repo.Delete(ctx, email); err != nil {
		if domain.IsNotFound(err) {
			return fmt.Errorf("remove %s: %w", email, ErrNotFound)
		}
		return &domain.StoreError{Op: "delete suppression", Err: err}
	}
	return nil
}

// Get returns the stored entry for email, expired or not.
func (s *Service) Get(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	e, err := s.repo.Get(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("suppression %s: %w", email, ErrNotFound)
		}
		return nil, &domain.StoreError{Op: "get suppression", Err: err}
	}
	return e, nil
}

// List returns a page of entries and the total matching count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.SuppressionEntry, int, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.ToLower(strings.TrimSpace(f.Search))
	entries, total, err := s.repo.List(ctx, f, s.now().UTC())
	if err != nil {
		return nil, 0, &domain.StoreError{Op: "list suppressions", Err: err}
	}
	return entries, total, nil
}

// GetStats aggregates the list for operators.
func (s *Service) GetStats(ctx context.Context) (*domain.SuppressionStats, error) {
	st, err := s.repo.Stats(ctx, s.now().UTC())
	if err != nil {
		return nil, &domain.StoreError{Op: "suppression stats", Err: err}
	}
	return st, nil
}

// =============================================================================
// BULK IMPORT / EXPORT
// =============================================================================

// ImportOptions controls BulkImport. Lines without a type get DefaultType;
// a positive TTL imports temporary entries.
type ImportOptions struct {
	DefaultType domain.SuppressionType
	TTL         time.Duration
}

// ImportResult summarizes a BulkImport run.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

const maxImportErrors = 100

// BulkImport reads `email[,type[,reason]]` lines. Blank lines, comment
// lines and an optional header row are ignored; malformed lines are counted
// and reported without aborting the import.
func (s *Service) BulkImport(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	if opts.DefaultType == "" {
		opts.DefaultType = domain.SuppressionManual
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	res := &ImportResult{}
	skip := func(line int, msg string) {
		res.Skipped++
		if len(res.Errors) < maxImportErrors {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %s", line, msg))
		}
	}

	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skip(pe.Line, pe.Err.Error())
				continue
			}
			return res, fmt.Errorf("bulk import: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		line, _ := cr.FieldPos(0)
		header := first && strings.EqualFold(strings.TrimSpace(rec[0]), "email")
		first = false
		if header {
			continue
		}

		req := AddRequest{Email: rec[0], Type: opts.DefaultType, IsPermanent: opts.TTL <= 0}
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			req.Type = domain.SuppressionType(strings.ToLower(strings.TrimSpace(rec[1])))
		}
		if len(rec) > 2 {
			req.Reason = strings.TrimSpace(rec[2])
		}
		if opts.TTL > 0 {
			exp := s.now().UTC().Add(opts.TTL)
			req.ExpiresAt = &exp
		}

		if _, err := s.AddSuppression(ctx, req); err != nil {
			if domain.IsValidation(err) {
				skip(line, err.Error())
				continue
			}
			return res, err
		}
		res.Imported++
	}
	logger.InfoCtx(ctx, "[Suppression] bulk import finished", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

const exportPageSize = 1000

// Export pages through the entries matching f and writes each to sink.
// f.Limit and f.Offset are ignored. Returns the number written.
func (s *Service) Export(ctx context.Context, sink ExportSink, f ListFilter) (int, error) {
	f.Limit = exportPageSize
	f.Offset = 0
	f.Search = strings.ToLower(strings.TrimSpace(f.Search))
	now := s.now().UTC()
	written := 0
	for {
		page, _, err := s.repo.List(ctx, f, now)
		if err != nil {
			return written, &domain.StoreError{Op: "export suppressions", Err: err}
		}
		for _, e := range page {
			if err := sink.Write(e); err != nil {
				return written, fmt.Errorf("export write: %w", err)
			}
			written++
		}
		if len(page) < exportPageSize {
			return written, nil
		}
		f.Offset += len(page)
	}
}
