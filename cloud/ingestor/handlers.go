package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/derive"
	"github.com/jakobscode/gnss-tracker/pkg/history"
	"github.com/jakobscode/gnss-tracker/pkg/ingest"
	"github.com/jakobscode/gnss-tracker/pkg/models"
	"github.com/jakobscode/gnss-tracker/pkg/session"
)

const maxPayloadBytes = 64 << 10

// credentialLister lists a principal's credentials for the tracker overview.
type credentialLister interface {
	CredentialsOf(ctx context.Context, principal string) ([]models.Credential, error)
}

// deps is everything the HTTP handlers need.
type deps struct {
	pipeline *ingest.Pipeline
	query    *history.Query
	engine   *derive.Engine
	sessions *session.Verifier
	lister   credentialLister
	store    *store
	now      func() time.Time
}

func newMux(d deps) *http.ServeMux {
	if d.now == nil {
		d.now = time.Now
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthzHandler)
	mux.HandleFunc("POST /api/v1/telemetry", makeIngestHandler(d.pipeline, d.store))
	mux.HandleFunc("GET /api/v1/trackers", makeTrackersHandler(d))
	mux.HandleFunc("GET /api/v1/trackers/{credentialID}/history", makeHistoryHandler(d))
	mux.HandleFunc("GET /api/v1/telemetry/stats", makeStatsHandler(d.store))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Issues  []models.Issue `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeDomainError maps the error taxonomy onto HTTP. Denials carry fixed
// messages; only validation issues are echoed back in detail.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential")
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "access denied")
	case errors.Is(err, models.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed_payload", "payload must be a single JSON object")
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "validation_failed",
			Message: "one or more fields are invalid",
			Issues:  ve.Issues,
		})
	case errors.Is(err, models.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable, try again")
	case errors.Is(err, models.ErrAuthUnavailable):
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authorization temporarily unavailable, try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestResponse struct {
	Result       string    `json:"result"`
	ID           int64     `json:"id"`
	CredentialID string    `json:"credential_id"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func makeIngestHandler(p *ingest.Pipeline, st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds 64 KiB")
				return
			}
			writeError(w, http.StatusBadRequest, "read_failed", "could not read request body")
			return
		}

		stored, err := p.Ingest(r.Context(), r.Header.Get("X-API-Key"), body)
		result := ingest.Classify(err)
		ingestResultsTotal.WithLabelValues(result).Inc()
		if err != nil {
			switch {
			case errors.Is(err, models.ErrStorageUnavailable):
				logger.Error("ingest failed", "result", result, "error", err)
				dbWriteFailTotal.Inc()
				dbUp.Set(0)
			case models.Retryable(err):
				logger.Error("ingest failed", "result", result, "error", err)
			default:
				logger.Info("ingest rejected", "result", result, "error", err)
			}
			writeDomainError(w, err)
			return
		}

		logger.Info("received telemetry",
			"credential_id", stored.CredentialID,
			"record_id", stored.ID,
			"fix", int(stored.FixQuality),
			"latitude", stored.Latitude,
			"longitude", stored.Longitude,
			"hdop", stored.HDOP,
			"batt_mv", stored.BattMillivolts,
		)
		dbUp.Set(1)
		refreshDBGauges(r.Context(), st)
		lastTelemetryTimestamp.Set(float64(stored.RecordedAt.Unix()))

		writeJSON(w, http.StatusAccepted, ingestResponse{
			Result:       "accepted",
			ID:           stored.ID,
			CredentialID: stored.CredentialID,
			RecordedAt:   stored.RecordedAt,
		})
	}
}

// principal authenticates the owner session. It writes the 401 itself and
// returns ok=false on failure.
func principal(w http.ResponseWriter, r *http.Request, v *session.Verifier) (string, bool) {
	p, err := v.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "valid session required")
		return "", false
	}
	return p, true
}

type historyEntry struct {
	models.StoredReading
	Derived derive.Snapshot `json:"derived"`
}

type historyResponse struct {
	CredentialID string         `json:"credential_id"`
	LastSeen     derive.Age     `json:"last_seen"`
	Count        int            `json:"count"`
	Readings     []historyEntry `json:"readings"`
}

func makeHistoryHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, ok := principal(w, r, d.sessions)
		if !ok {
			return
		}
		credentialID := r.PathValue("credentialID")

		rows, err := d.query.History(r.Context(), who, credentialID)
		if err != nil {
			historyQueriesTotal.WithLabelValues(historyResult(err)).Inc()
			if models.Retryable(err) {
				logger.Error("history query failed", "credential_id", credentialID, "error", err)
			}
			writeDomainError(w, err)
			return
		}
		historyQueriesTotal.WithLabelValues("ok").Inc()

		now := d.now()
		resp := historyResponse{
			CredentialID: credentialID,
			LastSeen:     derive.NeverReported(),
			Count:        len(rows),
			Readings:     make([]historyEntry, 0, len(rows)),
		}
		if len(rows) > 0 {
			resp.LastSeen = derive.LastSeen(&rows[0], now)
		}
		for _, row := range rows {
			resp.Readings = append(resp.Readings, historyEntry{
				StoredReading: row,
				Derived:       d.engine.Snapshot(row, now),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type trackerSummary struct {
	models.Credential
	LastSeen derive.Age `json:"last_seen"`
}

func makeTrackersHandler(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, ok := principal(w, r, d.sessions)
		if !ok {
			return
		}
		creds, err := d.lister.CredentialsOf(r.Context(), who)
		if err != nil {
			logger.Error("list credentials failed", "error", err)
			writeDomainError(w, models.ErrAuthUnavailable)
			return
		}

		now := d.now()
		out := make([]trackerSummary, 0, len(creds))
		for _, c := range creds {
			latest, err := d.query.Latest(r.Context(), who, c.ID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			out = append(out, trackerSummary{Credential: c, LastSeen: derive.LastSeen(latest, now)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func historyResult(err error) string {
	switch {
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrAuthUnavailable):
		return "auth_unavailable"
	case errors.Is(err, models.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}

// telemetryStatsResponse is the JSON body returned by GET /api/v1/telemetry/stats.
type telemetryStatsResponse struct {
	DBUp          int   `json:"db_up"`
	RowsTotal     int64 `json:"rows_total"`
	LastWriteUnix int64 `json:"last_write_unix"`
	DBFileBytes   int64 `json:"db_file_bytes"`
}

// makeStatsHandler serves GET /api/v1/telemetry/stats. Returns 503 with
// zeroed fields when the DB is unreachable.
func makeStatsHandler(st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			writeJSON(w, http.StatusServiceUnavailable, telemetryStatsResponse{})
			return
		}
		if err := st.ping(r.Context()); err != nil {
			logger.Error("db ping failed in stats handler", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, telemetryStatsResponse{})
			return
		}
		snap, err := st.statsSnapshot(r.Context())
		if err != nil {
			logger.Error("db stats failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, telemetryStatsResponse{})
			return
		}
		writeJSON(w, http.StatusOK, telemetryStatsResponse{
			DBUp:          1,
			RowsTotal:     snap.RowsTotal,
			LastWriteUnix: snap.LastWriteUnix,
			DBFileBytes:   snap.FileBytes,
		})
	}
}
