// Package db persists the diagnostic history and emergency stop events
// in a local sqlite database.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// DefaultQueryLimit bounds list queries that pass a non-positive limit.
const DefaultQueryLimit = 100

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path and brings the
// schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string { return db.path }

// RecordReport stores one diagnostic report. Reports without an ID get
// a synthetic one derived from the timestamp and component.
func (db *DB) RecordReport(r vehicle.DiagnosticReport) error {
	id := r.ID
	if id == "" {
		id = fmt.Sprintf("%d-%s", r.Timestamp.UnixNano(), r.Component)
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO diagnostic_reports
			(report_id, cycle, component, level, message, timestamp_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, int64(r.Cycle), r.Component, r.Level.String(), r.Message, r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record report: %w", err)
	}
	return nil
}

// RecentReports returns up to limit reports, newest first.
func (db *DB) RecentReports(limit int) ([]vehicle.DiagnosticReport, error) {
	return db.queryReports(`
		SELECT report_id, cycle, component, level, message, timestamp_unix_ns
		FROM diagnostic_reports
		ORDER BY timestamp_unix_ns DESC, rowid DESC
		LIMIT ?`, clampLimit(limit))
}

// ComponentReports returns up to limit reports for one component, newest first.
func (db *DB) ComponentReports(component string, limit int) ([]vehicle.DiagnosticReport, error) {
	return db.queryReports(`
		SELECT report_id, cycle, component, level, message, timestamp_unix_ns
		FROM diagnostic_reports
		WHERE component = ?
		ORDER BY timestamp_unix_ns DESC, rowid DESC
		LIMIT ?`, component, clampLimit(limit))
}

// PruneReports deletes reports older than cutoff and returns how many went.
func (db *DB) PruneReports(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM diagnostic_reports WHERE timestamp_unix_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) queryReports(query string, args ...interface{}) ([]vehicle.DiagnosticReport, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []vehicle.DiagnosticReport
	for rows.Next() {
		var (
			r      vehicle.DiagnosticReport
			cycle  int64
			level  string
			tsNano int64
		)
		if err := rows.Scan(&r.ID, &cycle, &r.Component, &level, &r.Message, &tsNano); err != nil {
			return nil, err
		}
		if r.Level, err = vehicle.ParseLevel(level); err != nil {
			return nil, err
		}
		r.Cycle = uint64(cycle)
		r.Timestamp = time.Unix(0, tsNano).UTC()
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

// RecordEmergencyEvent stores an emergency engage or reset.
func (db *DB) RecordEmergencyEvent(e vehicle.EmergencyEvent) error {
	engaged := 0
	if e.Engaged {
		engaged = 1
	}
	_, err := db.Exec(`
		INSERT INTO emergency_events (engaged, reason, operator, timestamp_unix_ns)
		VALUES (?, ?, ?, ?)`,
		engaged, e.Reason, e.Operator, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record emergency event: %w", err)
	}
	return nil
}

// EmergencyEvents returns up to limit events, newest first.
func (db *DB) EmergencyEvents(limit int) ([]vehicle.EmergencyEvent, error) {
	rows, err := db.Query(`
		SELECT engaged, reason, operator, timestamp_unix_ns
		FROM emergency_events
		ORDER BY timestamp_unix_ns DESC, event_id DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []vehicle.EmergencyEvent
	for rows.Next() {
		var (
			e       vehicle.EmergencyEvent
			engaged int
			tsNano  int64
		)
		if err := rows.Scan(&engaged, &e.Reason, &e.Operator, &tsNano); err != nil {
			return nil, err
		}
		e.Engaged = engaged != 0
		e.Timestamp = time.Unix(0, tsNano).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultQueryLimit*10 {
		return DefaultQueryLimit
	}
	return limit
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://autoflux.db", db.DB, &tailsql.DBOptions{
		Label: "Diagnostics DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("autoflux-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), backupName)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Warnf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupName))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Errorf("failed to stream backup: %v", err)
	}
}
