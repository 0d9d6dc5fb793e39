// Package scanaudit persists one row per finished scan job: namespace,
// job type, abandon reason, final counters, and timestamps. It backs
// the historical half of spec.md's monitoring enumeration without
// claiming to be the scan manager itself (the manager's in-memory
// active-job table, internal/scan/manager, covers the live half).
// Grounded on internal/store/db.go's sqlite connection setup, using
// modernc.org/sqlite (the pure-Go driver go.mod actually names, rather
// than the cgo mattn/go-sqlite3 driver the teacher's code imports
// despite declaring the modernc one — see DESIGN.md).
package scanaudit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/kvscan/internal/scan/job"
)

// DB is a single-connection sqlite handle recording finished scans.
type DB struct {
	conn *sql.DB
}

// Open creates or opens dataDir/scanaudit.db and ensures its schema exists.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("scanaudit: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "scanaudit.db")

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("scanaudit: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("scanaudit: ping: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("scanaudit database opened", "path", path)
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS finished_scans (
		trid          INTEGER PRIMARY KEY,
		namespace     TEXT NOT NULL,
		set_name      TEXT NOT NULL DEFAULT '',
		job_type      TEXT NOT NULL,
		client_id     TEXT NOT NULL DEFAULT '',
		abandoned     INTEGER NOT NULL,
		succeeded     INTEGER NOT NULL,
		failed        INTEGER NOT NULL,
		filtered_meta INTEGER NOT NULL,
		filtered_bins INTEGER NOT NULL,
		net_io_bytes  INTEGER NOT NULL,
		rps           INTEGER NOT NULL,
		finished_at   TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("scanaudit: create schema: %w", err)
	}
	return nil
}

// Record inserts one completed job's final snapshot. Intended as a
// manager.FinishedObserver: Record(stat) matches that signature modulo
// the error return, wrapped by RecordObserver below.
func (db *DB) Record(stat job.Stat) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO finished_scans
		(trid, namespace, set_name, job_type, client_id, abandoned, succeeded, failed, filtered_meta, filtered_bins, net_io_bytes, rps, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		stat.Trid, stat.Namespace, stat.Set, stat.JobType, stat.ClientID,
		int(stat.Abandoned), stat.Succeeded, stat.Failed, stat.FilteredMeta, stat.FilteredBins,
		stat.NetIOBytes, stat.RPS, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RecordObserver adapts Record to manager.FinishedObserver's signature
// (no error return); a persistence failure is logged, not fatal to the
// scan that just finished.
func (db *DB) RecordObserver(stat job.Stat) {
	if err := db.Record(stat); err != nil {
		slog.Error("scanaudit: record finished scan", "trid", stat.Trid, "error", err)
	}
}

// CompletedCount returns how many finished scans of jobType are
// recorded for namespace, keyed by abandon reason — the namespace-level
// completion counters spec.md §4.4's finish() step updates.
func (db *DB) CompletedCount(namespace, jobType string, reason job.Reason) (int64, error) {
	var n int64
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM finished_scans WHERE namespace = ? AND job_type = ? AND abandoned = ?`,
		namespace, jobType, int(reason),
	).Scan(&n)
	return n, err
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }
