package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Scan is the cached summary of one parse of a log file. It is valid while
// the file's size and modification time are unchanged.
type Scan struct {
	Path           string
	Size           int64
	ModTime        int64 // unix nanoseconds
	MessageCount   int
	TokenCount     int
	SkippedCount   int
	PinnedCount    int
	FirstMessageID string
	LastMessageID  string
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	ScannedAt      int64
}

// Matches reports whether s describes a file of the given identity.
func (s *Scan) Matches(size int64, modTime time.Time) bool {
	return s.Size == size && s.ModTime == modTime.UnixNano()
}

// GetScan returns the cached scan for path, or nil if there is none.
func (db *DB) GetScan(path string) (*Scan, error) {
	var s Scan
	var first, last sql.NullString
	var firstTS, lastTS sql.NullInt64
	err := db.QueryRow(`
		SELECT path, size, mod_time, message_count, token_count, skipped_count, pinned_count,
		       first_message, last_message, first_ts, last_ts, scanned_at
		FROM log_scans WHERE path = ?
	`, path).Scan(&s.Path, &s.Size, &s.ModTime, &s.MessageCount, &s.TokenCount, &s.SkippedCount, &s.PinnedCount,
		&first, &last, &firstTS, &lastTS, &s.ScannedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	s.FirstMessageID = first.String
	s.LastMessageID = last.String
	if firstTS.Valid {
		s.FirstTimestamp = time.UnixMilli(firstTS.Int64).UTC()
	}
	if lastTS.Valid {
		s.LastTimestamp = time.UnixMilli(lastTS.Int64).UTC()
	}
	return &s, nil
}

// PutScan replaces the cached scan for s.Path.
func (db *DB) PutScan(s *Scan) error {
	if s.ScannedAt == 0 {
		s.ScannedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO log_scans (path, size, mod_time, message_count, token_count, skipped_count, pinned_count,
		                       first_message, last_message, first_ts, last_ts, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			message_count = excluded.message_count,
			token_count = excluded.token_count,
			skipped_count = excluded.skipped_count,
			pinned_count = excluded.pinned_count,
			first_message = excluded.first_message,
			last_message = excluded.last_message,
			first_ts = excluded.first_ts,
			last_ts = excluded.last_ts,
			scanned_at = excluded.scanned_at
	`, s.Path, s.Size, s.ModTime, s.MessageCount, s.TokenCount, s.SkippedCount, s.PinnedCount,
		nullString(s.FirstMessageID), nullString(s.LastMessageID),
		nullMillis(s.FirstTimestamp), nullMillis(s.LastTimestamp), s.ScannedAt)
	if err != nil {
		return fmt.Errorf("put scan: %w", err)
	}
	return nil
}

// DeleteScan drops the cached scan for path.
func (db *DB) DeleteScan(path string) error {
	if _, err := db.Exec("DELETE FROM log_scans WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
