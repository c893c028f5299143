// Package export provides sinks for suppression list exports. The CSV
// layout starts with email,suppression_type,reason so an export can be fed
// straight back into the bulk import.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

var header = []string{"email", "suppression_type", "reason", "bounce_type", "is_permanent", "expires_at", "created_at"}

// CSVWriter writes entries as CSV rows, emitting the header before the
// first row.
type CSVWriter struct {
	w       *csv.Writer
	started bool
}

// NewCSVWriter wraps w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

func (c *CSVWriter) Write(e domain.SuppressionEntry) error {
	if !c.started {
		if err := c.WriteHeader(); err != nil {
			return err
		}
	}
	expires := ""
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return c.w.Write([]string{
		e.Email,
		string(e.Type),
		e.Reason,
		string(e.BounceType),
		strconv.FormatBool(e.IsPermanent),
		expires,
		e.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// WriteHeader writes the header row once. Callers exporting a possibly
// empty list call it up front so the output is never blank.
func (c *CSVWriter) WriteHeader() error {
	if c.started {
		return nil
	}
	c.started = true
	return c.w.Write(header)
}

// Flush writes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}
