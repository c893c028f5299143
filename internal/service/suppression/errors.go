package suppression

import "github.com/ignite/deliverytrack/internal/domain"

// ErrNotFound is returned when an address has no suppression entry.
var ErrNotFound = domain.ErrNotFound
