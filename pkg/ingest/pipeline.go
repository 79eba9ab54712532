// Package ingest implements the credential-scoped write path for tracker
// readings: authorize, decode, validate, stamp provenance, append.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// Authorizer verifies a presented device key against a capability.
// A non-nil error means the service itself failed; an unknown or
// insufficient key is reported as Verification{Valid: false}.
type Authorizer interface {
	VerifyCapability(ctx context.Context, presented string, capability models.Capability) (models.Verification, error)
}

// Appender durably appends one reading and returns its record id.
type Appender interface {
	Append(ctx context.Context, r models.StoredReading) (int64, error)
}

// Options tunes a Pipeline. Zero timeouts leave the caller's context as is.
type Options struct {
	AuthTimeout  time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Pipeline is stateless apart from its collaborators and may be shared by
// concurrent requests.
type Pipeline struct {
	auth  Authorizer
	store Appender
	opts  Options
	log   *slog.Logger
}

// New returns a Pipeline writing through store after authorizing with auth.
func New(auth Authorizer, store Appender, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{auth: auth, store: store, opts: opts, log: log}
}

// Ingest authorizes credential, validates payload and appends exactly one
// record. On any error nothing has been written. Returned errors match
// models.ErrUnauthorized, models.ErrMalformedPayload, *models.ValidationError,
// models.ErrAuthUnavailable or models.ErrStorageUnavailable.
func (p *Pipeline) Ingest(ctx context.Context, credential string, payload []byte) (models.StoredReading, error) {
	// Authorization runs before the payload is looked at.
	v, err := p.verify(ctx, credential)
	if err != nil {
		return models.StoredReading{}, err
	}

	raw, err := models.DecodeRaw(payload)
	if err != nil {
		return models.StoredReading{}, err
	}
	reading, err := models.Validate(raw)
	if err != nil {
		return models.StoredReading{}, err
	}

	stored := models.StoredReading{
		Reading:      reading,
		CredentialID: v.CredentialID,
		RecordedAt:   p.opts.Now().UTC(),
	}

	sctx, cancel := withTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	id, err := p.store.Append(sctx, stored)
	if err != nil {
		return models.StoredReading{}, fmt.Errorf("%w: append: %v", models.ErrStorageUnavailable, err)
	}
	stored.ID = id

	p.log.Debug("reading appended",
		"credential_id", stored.CredentialID,
		"record_id", id,
		"fix", int(reading.FixQuality),
	)
	return stored, nil
}

func (p *Pipeline) verify(ctx context.Context, credential string) (models.Verification, error) {
	if credential == "" {
		return models.Verification{}, models.ErrUnauthorized
	}
	actx, cancel := withTimeout(ctx, p.opts.AuthTimeout)
	defer cancel()

	v, err := p.auth.VerifyCapability(actx, credential, models.CapabilitySubmitTelemetry)
	if err != nil {
		return models.Verification{}, fmt.Errorf("%w: verify: %v", models.ErrAuthUnavailable, err)
	}
	if !v.Valid || v.CredentialID == "" {
		return models.Verification{}, models.ErrUnauthorized
	}
	return v, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Classify maps an Ingest error to a stable result label for metrics.
func Classify(err error) string {
	var ve *models.ValidationError
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, models.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, models.ErrMalformedPayload):
		return "malformed"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, models.ErrAuthUnavailable):
		return "auth_unavailable"
	case errors.Is(err, models.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}
