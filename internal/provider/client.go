// Package provider implements the rate-limited gateway client for the
// upstream racing data API: a paginated bulk listing endpoint used by the
// ingest worker and a costlier per-entity detail endpoint used by the
// enrichment worker.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turfline/racedata-cli/internal/model"
)

// Client is the gateway used by both workers. Implementations enforce the
// provider's rate ceiling and retry transient failures internally.
type Client interface {
	// Meetings fetches one page of the bulk listing for an inclusive date window.
	Meetings(ctx context.Context, start, end time.Time, page int) (*MeetingsPage, error)

	// EntityDetail fetches extended attributes and ancestor relationships
	// for one entity.
	EntityDetail(ctx context.Context, kind model.EntityKind, externalID string) (*EntityDetail, error)
}

// StatusError reports a non-retryable HTTP status from the provider.
// Transient statuses (429, 5xx) are retried inside the client and surface
// as resilience.TransientError instead.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: http %d from %s", e.Code, e.URL)
}

// IsPermanent reports whether err is a terminal provider rejection (4xx).
// Callers treat these as skip-permanently: a chunk is logged and passed
// over, an entity is marked enrichment_failed.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 404
}
