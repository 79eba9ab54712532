// Package history implements the ownership-checked, bounded read path for a
// credential's readings.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// DefaultLimit is the maximum number of readings returned per query.
const DefaultLimit = 500

// OwnerResolver maps a credential id to its owning principal. Unknown ids
// return models.ErrCredentialNotFound; other errors mean the service failed.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, credentialID string) (string, error)
}

// Reader returns up to limit readings for credentialID ordered by
// RecordedAt descending, then by insertion order descending.
type Reader interface {
	Recent(ctx context.Context, credentialID string, limit int) ([]models.StoredReading, error)
}

// Options tunes a Query.
type Options struct {
	Limit        int
	AuthTimeout  time.Duration
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Query is safe for concurrent use.
type Query struct {
	owners OwnerResolver
	reader Reader
	opts   Options
	log    *slog.Logger
}

// New returns a Query. A non-positive Limit falls back to DefaultLimit.
func New(owners OwnerResolver, reader Reader, opts Options) *Query {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Query{owners: owners, reader: reader, opts: opts, log: log}
}

// Limit returns the configured window size.
func (q *Query) Limit() int { return q.opts.Limit }

// History returns the newest readings of credentialID if principal owns it.
// Both "no such credential" and "owned by someone else" yield
// models.ErrForbidden with no further detail. The readings are returned
// unmodified; derivation is left to the caller.
func (q *Query) History(ctx context.Context, principal, credentialID string) ([]models.StoredReading, error) {
	if err := q.authorize(ctx, principal, credentialID); err != nil {
		return nil, err
	}
	return q.fetch(ctx, credentialID, q.opts.Limit)
}

// Latest returns the newest reading of credentialID, or nil when it has
// never reported. Ownership is checked exactly as in History.
func (q *Query) Latest(ctx context.Context, principal, credentialID string) (*models.StoredReading, error) {
	if err := q.authorize(ctx, principal, credentialID); err != nil {
		return nil, err
	}
	rows, err := q.fetch(ctx, credentialID, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (q *Query) authorize(ctx context.Context, principal, credentialID string) error {
	if principal == "" || credentialID == "" {
		return models.ErrForbidden
	}
	actx, cancel := withTimeout(ctx, q.opts.AuthTimeout)
	defer cancel()

	owner, err := q.owners.ResolveOwner(actx, credentialID)
	switch {
	case errors.Is(err, models.ErrCredentialNotFound):
		return models.ErrForbidden
	case err != nil:
		return fmt.Errorf("%w: resolve owner: %v", models.ErrAuthUnavailable, err)
	case owner != principal:
		q.log.Debug("history denied", "principal", principal, "credential_id", credentialID)
		return models.ErrForbidden
	}
	return nil
}

func (q *Query) fetch(ctx context.Context, credentialID string, limit int) ([]models.StoredReading, error) {
	sctx, cancel := withTimeout(ctx, q.opts.StoreTimeout)
	defer cancel()

	rows, err := q.reader.Recent(sctx, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", models.ErrStorageUnavailable, err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
