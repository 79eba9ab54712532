package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// store wraps the SQLite database and implements ingest.Appender and
// history.Reader. All methods are safe for concurrent use; the pool is
// limited to one connection, which serialises writes and keeps a :memory:
// database alive for the lifetime of the store.
type store struct {
	db   *sql.DB
	path string
}

// openStore opens (or creates) the SQLite database at path and runs the
// schema migration.
func openStore(path string) (*store, error) {
	// WAL allows concurrent readers alongside one writer; busy_timeout retries
	// for up to 5 s on lock contention.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &store{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS tracker_readings (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    credential_id         TEXT    NOT NULL,
    recorded_at_unix_nano INTEGER NOT NULL,
    fix_quality           INTEGER NOT NULL,
    gps_sats              INTEGER NOT NULL,
    beidou_sats           INTEGER NOT NULL,
    glonass_sats          INTEGER NOT NULL,
    galileo_sats          INTEGER NOT NULL,
    latitude              REAL    NOT NULL,
    ns_indicator          TEXT    NOT NULL,
    longitude             REAL    NOT NULL,
    ew_indicator          TEXT    NOT NULL,
    year                  INTEGER NOT NULL,
    month                 INTEGER NOT NULL,
    day                   INTEGER NOT NULL,
    hour                  INTEGER NOT NULL,
    minute                INTEGER NOT NULL,
    second                INTEGER NOT NULL,
    altitude_m            REAL    NOT NULL,
    speed_kn              REAL    NOT NULL,
    course_deg            REAL    NOT NULL,
    pdop                  REAL    NOT NULL,
    hdop                  REAL    NOT NULL,
    vdop                  REAL    NOT NULL,
    sats_in_view          REAL    NOT NULL,
    sats_used             REAL    NOT NULL,
    batt_mv               INTEGER NOT NULL,
    solar_mv              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracker_readings_credential_recorded
    ON tracker_readings (credential_id, recorded_at_unix_nano DESC, id DESC);
`)
	return err
}

const readingColumns = `credential_id, recorded_at_unix_nano,
    fix_quality, gps_sats, beidou_sats, glonass_sats, galileo_sats,
    latitude, ns_indicator, longitude, ew_indicator,
    year, month, day, hour, minute, second,
    altitude_m, speed_kn, course_deg, pdop, hdop, vdop,
    sats_in_view, sats_used, batt_mv, solar_mv`

// Append inserts one reading and returns its row id. The autoincrement id
// is the insertion-order tiebreaker used by Recent.
func (s *store) Append(ctx context.Context, r models.StoredReading) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracker_readings (`+readingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CredentialID, r.RecordedAt.UnixNano(),
		int(r.FixQuality), r.GPSSatellites, r.BeidouSatellites, r.GlonassSatellites, r.GalileoSatellites,
		r.Latitude, r.NSIndicator, r.Longitude, r.EWIndicator,
		r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Second,
		r.Altitude, r.Speed, r.Course, r.PDOP, r.HDOP, r.VDOP,
		r.SatellitesInView, r.SatellitesUsed, r.BattMillivolts, r.SolarMillivolts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit readings for credentialID, newest first, ties
// on recorded_at broken by id descending.
func (s *store) Recent(ctx context.Context, credentialID string, limit int) ([]models.StoredReading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, `+readingColumns+`
		 FROM tracker_readings WHERE credential_id = ?
		 ORDER BY recorded_at_unix_nano DESC, id DESC LIMIT ?`,
		credentialID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]models.StoredReading, 0)
	for rows.Next() {
		var (
			r       models.StoredReading
			fix     int
			recNano int64
		)
		if err := rows.Scan(
			&r.ID, &r.CredentialID, &recNano,
			&fix, &r.GPSSatellites, &r.BeidouSatellites, &r.GlonassSatellites, &r.GalileoSatellites,
			&r.Latitude, &r.NSIndicator, &r.Longitude, &r.EWIndicator,
			&r.Year, &r.Month, &r.Day, &r.Hour, &r.Minute, &r.Second,
			&r.Altitude, &r.Speed, &r.Course, &r.PDOP, &r.HDOP, &r.VDOP,
			&r.SatellitesInView, &r.SatellitesUsed, &r.BattMillivolts, &r.SolarMillivolts,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.FixQuality = models.FixQuality(fix)
		r.RecordedAt = time.Unix(0, recNano).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// storeStats is a point-in-time view of the database for metrics.
type storeStats struct {
	RowsTotal     int64
	LastWriteUnix int64
	FileBytes     int64
}

func (s *store) statsSnapshot(ctx context.Context) (storeStats, error) {
	var (
		st       storeStats
		lastNano int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(recorded_at_unix_nano), 0) FROM tracker_readings`,
	).Scan(&st.RowsTotal, &lastNano)
	if err != nil {
		return storeStats{}, fmt.Errorf("stats: %w", err)
	}
	if lastNano > 0 {
		st.LastWriteUnix = time.Unix(0, lastNano).Unix()
	}
	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			st.FileBytes = fi.Size()
		}
	}
	return st, nil
}

// ping returns nil if the DB is reachable.
func (s *store) ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// close releases all DB resources.
func (s *store) close() error {
	return s.db.Close()
}
