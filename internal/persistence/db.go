// Package persistence provides SQLite-based colony state storage.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/engine"
	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/weather"
)

// Metadata keys in world_meta.
const (
	metaSessionID   = "session_id"
	metaLastPulseID = "last_pulse_id"
	metaMarsTotal   = "mars_total_millisols"
	metaEarthTime   = "earth_time"
	metaTimeRatio   = "time_ratio"
	metaSavedAt     = "saved_at"
	metaSaveMode    = "save_mode"

	blobWeather = "weather"
)

// DB wraps a SQLite connection for colony state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settlements (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		last_pulse INTEGER NOT NULL,
		state BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pulse_id INTEGER NOT NULL,
		sol INTEGER NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_sol ON events(sol);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveSnapshot writes a full snapshot in one transaction. Settlements
// and events are fully replaced.
func (db *DB) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	slog.Debug("saving colony state",
		"settlements", len(snap.Settlements),
		"events", len(snap.Events),
		"pulse", snap.Clock.LastPulseID,
	)

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveSettlements(ctx, tx, snap.Settlements); err != nil {
		return fmt.Errorf("save settlements: %w", err)
	}
	if err := saveEvents(ctx, tx, snap.Events); err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	blob, err := encodeState(snap.Weather)
	if err != nil {
		return fmt.Errorf("save weather: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO state_blobs (key, data) VALUES (?, ?)",
		blobWeather, blob,
	); err != nil {
		return fmt.Errorf("save weather: %w", err)
	}

	meta := map[string]string{
		metaSessionID:   snap.SessionID,
		metaLastPulseID: strconv.FormatUint(snap.Clock.LastPulseID, 10),
		metaMarsTotal:   strconv.FormatFloat(snap.Clock.MarsTime.TotalMillisols(), 'g', -1, 64),
		metaEarthTime:   snap.Clock.EarthTime.UTC().Format(time.RFC3339Nano),
		metaTimeRatio:   strconv.FormatUint(snap.Clock.TimeRatio, 10),
		metaSavedAt:     snap.SavedAt.UTC().Format(time.RFC3339Nano),
		metaSaveMode:    snap.Mode.String(),
	}
	for k, v := range meta {
		if err := saveMeta(ctx, tx, k, v); err != nil {
			return fmt.Errorf("save meta %s: %w", k, err)
		}
	}

	return tx.Commit()
}

func saveSettlements(ctx context.Context, tx *sqlx.Tx, states []colony.SettlementState) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM settlements"); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, "INSERT INTO settlements (id, name, last_pulse, state) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range states {
		blob, err := encodeState(st)
		if err != nil {
			return fmt.Errorf("settlement %d: %w", st.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, st.ID, st.Name, st.LastPulse, blob); err != nil {
			return fmt.Errorf("settlement %d: %w", st.ID, err)
		}
	}
	return nil
}

func saveEvents(ctx context.Context, tx *sqlx.Tx, events []engine.Event) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return err
	}
	for _, e := range events {
		_, err := tx.NamedExecContext(ctx,
			"INSERT INTO events (pulse_id, sol, description, category) VALUES (:pulse_id, :sol, :description, :category)",
			e,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func saveMeta(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}

// LoadSnapshot reads the last saved snapshot. It returns (nil, nil) when
// nothing has been saved yet.
func (db *DB) LoadSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	lastPulse, err := db.GetMeta(ctx, metaLastPulseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}

	snap := &engine.Snapshot{}
	if snap.Clock.LastPulseID, err = strconv.ParseUint(lastPulse, 10, 64); err != nil {
		return nil, fmt.Errorf("parse %s: %w", metaLastPulseID, err)
	}
	if err := db.loadClock(ctx, snap); err != nil {
		return nil, err
	}

	var rows []struct {
		ID    uint64 `db:"id"`
		State []byte `db:"state"`
	}
	if err := db.conn.SelectContext(ctx, &rows, "SELECT id, state FROM settlements ORDER BY id"); err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}
	for _, r := range rows {
		var st colony.SettlementState
		if err := decodeState(r.State, &st); err != nil {
			return nil, fmt.Errorf("settlement %d: %w", r.ID, err)
		}
		snap.Settlements = append(snap.Settlements, st)
	}

	var blob []byte
	err = db.conn.GetContext(ctx, &blob, "SELECT data FROM state_blobs WHERE key = ?", blobWeather)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load weather: %w", err)
	default:
		var ws weather.State
		if err := decodeState(blob, &ws); err != nil {
			return nil, fmt.Errorf("weather: %w", err)
		}
		snap.Weather = ws
	}

	events, err := db.RecentEvents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	// RecentEvents is newest first; the log is kept oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	snap.Events = events
	return snap, nil
}

func (db *DB) loadClock(ctx context.Context, snap *engine.Snapshot) error {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.conn.SelectContext(ctx, &rows, "SELECT key, value FROM world_meta"); err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	meta := make(map[string]string, len(rows))
	for _, r := range rows {
		meta[r.Key] = r.Value
	}

	snap.SessionID = meta[metaSessionID]
	total, err := strconv.ParseFloat(meta[metaMarsTotal], 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", metaMarsTotal, err)
	}
	snap.Clock.MarsTime = marstime.FromTotal(total)
	if snap.Clock.EarthTime, err = time.Parse(time.RFC3339Nano, meta[metaEarthTime]); err != nil {
		return fmt.Errorf("parse %s: %w", metaEarthTime, err)
	}
	if snap.Clock.TimeRatio, err = strconv.ParseUint(meta[metaTimeRatio], 10, 64); err != nil {
		return fmt.Errorf("parse %s: %w", metaTimeRatio, err)
	}
	if v := meta[metaSaveMode]; v != "" {
		if snap.Mode, err = engine.ParseSaveMode(v); err != nil {
			return fmt.Errorf("parse %s: %w", metaSaveMode, err)
		}
	}
	if v := meta[metaSavedAt]; v != "" {
		if snap.SavedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return fmt.Errorf("parse %s: %w", metaSavedAt, err)
		}
	}
	return nil
}

// RecentEvents returns up to limit events, newest first. A limit of 0
// returns every stored event.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	var events []engine.Event
	err := db.conn.SelectContext(ctx, &events,
		"SELECT pulse_id, sol, description, category FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	return events, err
}
