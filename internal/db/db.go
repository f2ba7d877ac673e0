// Package db is the SQLite event journal. It records status events and a
// summary row per finished streaming session.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/laserstream/internal/httputil"
	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/monitoring"
	"github.com/banshee-data/laserstream/internal/security"
)

var logf = monitoring.Subsystem("journal")

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens (creating if needed) the journal at path and migrates it to
// the latest schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; modernc serialises anyway and this avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// EventRecord is one journaled event.
type EventRecord struct {
	ID      int64     `json:"id"`
	Kind    string    `json:"kind"`
	DAC     string    `json:"dac,omitempty"`
	Session string    `json:"session,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
	Dropped int       `json:"dropped,omitempty"`
	Time    time.Time `json:"time"`
}

func (e *EventRecord) String() string {
	return fmt.Sprintf("#%d %s %s dac=%s %s", e.ID, e.Time.Format(time.RFC3339Nano), e.Kind, e.DAC, e.Detail)
}

// RecordEvent appends e to the journal.
func (db *DB) RecordEvent(e laser.Event) error {
	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.Exec(
		`INSERT INTO events (kind, dac, session, detail, error, dropped, ts_unix_nanos) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Kind.String(), e.DAC, e.Session, e.Detail, errText, e.Dropped, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", e.Kind, err)
	}
	return nil
}

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	DAC   string
	Kind  laser.EventKind
	Since time.Time
	// Limit defaults to 500.
	Limit int
}

// Events returns journaled events, newest first.
func (db *DB) Events(f EventFilter) ([]EventRecord, error) {
	q := `SELECT event_id, kind, dac, session, detail, error, dropped, ts_unix_nanos FROM events WHERE 1=1`
	var args []interface{}
	if f.DAC != "" {
		q += ` AND dac = ?`
		args = append(args, f.DAC)
	}
	if f.Kind != 0 {
		q += ` AND kind = ?`
		args = append(args, f.Kind.String())
	}
	if !f.Since.IsZero() {
		q += ` AND ts_unix_nanos >= ?`
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	q += ` ORDER BY ts_unix_nanos DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var ts int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.DAC, &e.Session, &e.Detail, &e.Error, &e.Dropped, &ts); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// EventCounts returns the number of journaled events per kind.
func (db *DB) EventCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Session is the summary of one finished streaming connection.
type Session struct {
	stream.Stats
	Ended    time.Time `json:"ended"`
	EndError string    `json:"end_error,omitempty"`
}

// RecordSession stores the final stats of a connection. end is the error
// that ended it, nil for a clean close.
func (db *DB) RecordSession(s stream.Stats, ended time.Time, end error) error {
	var endText string
	if end != nil {
		endText = end.Error()
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO sessions (
			session_id, dac, point_rate, interval_points, started_unix_nanos, ended_unix_nanos,
			batches_sent, points_sent, underruns, truncated_points, render_overruns,
			clamped, power_scaled, jump_blanked, non_finite, end_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Session, string(s.DAC), s.PointRate, s.IntervalPoints, s.Started.UnixNano(), ended.UnixNano(),
		s.BatchesSent, s.PointsSent, s.Underruns, s.Truncated, s.RenderOverruns,
		s.Safety.Clamped, s.Safety.PowerScaled, s.Safety.JumpBlanked, s.Safety.NonFinite, endText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.Session, err)
	}
	return nil
}

// Sessions returns recorded sessions, most recent first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, dac, point_rate, interval_points, started_unix_nanos, ended_unix_nanos,
			batches_sent, points_sent, underruns, truncated_points, render_overruns,
			clamped, power_scaled, jump_blanked, non_finite, end_error
		FROM sessions ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var id string
		var started, ended int64
		if err := rows.Scan(&s.Session, &id, &s.PointRate, &s.IntervalPoints, &started, &ended,
			&s.BatchesSent, &s.PointsSent, &s.Underruns, &s.Truncated, &s.RenderOverruns,
			&s.Safety.Clamped, &s.Safety.PowerScaled, &s.Safety.JumpBlanked, &s.Safety.NonFinite, &s.EndError); err != nil {
			return nil, err
		}
		s.DAC = dac.Identity(id)
		s.Started = time.Unix(0, started)
		s.Ended = time.Unix(0, ended)
		s.State = laser.StateDisconnected
		out = append(out, s)
	}
	return out, rows.Err()
}

// Record journals events from ch until ctx is done or ch is closed. Write
// failures are logged and do not stop recording.
func (db *DB) Record(ctx context.Context, ch <-chan laser.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := db.RecordEvent(e); err != nil {
				logf("%v", err)
			}
		}
	}
}

// AttachAdminRoutes mounts tailsql, a JSON view of recent events and a
// backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Event journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("journal", "Recent events (JSON); ?dac=, ?kind=, ?limit=", http.HandlerFunc(db.handleEvents))
	debug.Handle("sessions", "Finished streaming sessions (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions, err := db.Sessions(0)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, sessions)
	}))
	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(db.handleBackup))
	return nil
}

func (db *DB) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	q := r.URL.Query()
	f := EventFilter{DAC: q.Get("dac")}
	if k := q.Get("kind"); k != "" {
		kind, ok := laser.ParseEventKind(k)
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("unknown event kind %q", k))
			return
		}
		f.Kind = kind
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	events, err := db.Events(f)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []EventRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("%s-%d.db", backupStem(db.path), time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		logf("failed to write backup: %v", err)
	}
}

// backupStem names a backup after the journal file, minus its extension.
func backupStem(path string) string {
	base := filepath.Base(path)
	return security.SanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base)))
}
