package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobRejected  = "rejected" // refused before the compressor ran
)

// maxJobErrorSize caps the stored error text.
const maxJobErrorSize = 4 * 1024

// Job is one recorded orchestrator run.
type Job struct {
	ID             string `json:"id"`
	Op             string `json:"op"`
	Collection     string `json:"collection"`
	ConversationID string `json:"conversationId"`
	PartNumber     int    `json:"partNumber,omitempty"`
	VersionID      string `json:"versionId,omitempty"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode,omitempty"`
	Error          string `json:"error,omitempty"`
	StartedAt      int64  `json:"startedAt"`
	FinishedAt     *int64 `json:"finishedAt,omitempty"`
}

// Duration is how long the job ran, or has been running.
func (j *Job) Duration() time.Duration {
	end := time.Now().UnixMilli()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return time.Duration(end-j.StartedAt) * time.Millisecond
}

// StartJob records a running job and returns it.
func (db *DB) StartJob(op, collection, conversationID string, partNumber int) (*Job, error) {
	j := &Job{
		ID:             uuid.NewString(),
		Op:             op,
		Collection:     collection,
		ConversationID: conversationID,
		PartNumber:     partNumber,
		Status:         JobRunning,
		StartedAt:      time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO jobs (id, op, collection, conversation_id, part_number, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Op, j.Collection, j.ConversationID, j.PartNumber, j.Status, j.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return j, nil
}

// FinishJob records the outcome of a job.
func (db *DB) FinishJob(id, status, versionID string, partNumber int, errCode, errText string) error {
	if len(errText) > maxJobErrorSize {
		errText = errText[:maxJobErrorSize]
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, version_id = ?, part_number = CASE WHEN ? > 0 THEN ? ELSE part_number END,
		                error_code = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, nullString(versionID), partNumber, partNumber, nullString(errCode), nullString(errText), now, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish job: %s not found", id)
	}
	return nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Collection     string
	ConversationID string
	Status         string
	Limit          int
}

// ListJobs returns jobs newest first.
func (db *DB) ListJobs(f JobFilter) ([]Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := db.Query(`
		SELECT id, op, collection, conversation_id, part_number, version_id, status, error_code, error, started_at, finished_at
		FROM jobs
		WHERE (? = '' OR collection = ?)
		  AND (? = '' OR conversation_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, f.Collection, f.Collection, f.ConversationID, f.ConversationID, f.Status, f.Status, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetJob returns a job by id, or nil.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`
		SELECT id, op, collection, conversation_id, part_number, version_id, status, error_code, error, started_at, finished_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var version, code, text sql.NullString
	if err := r.Scan(&j.ID, &j.Op, &j.Collection, &j.ConversationID, &j.PartNumber, &version,
		&j.Status, &code, &text, &j.StartedAt, &j.FinishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.VersionID = version.String
	j.ErrorCode = code.String
	j.Error = text.String
	return &j, nil
}

// FailRunningJobs marks jobs left running by a previous process as failed.
// Returns how many it touched.
func (db *DB) FailRunningJobs() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE jobs SET status = 'failed', error_code = 'interrupted', error = 'process exited before the job finished', finished_at = ?
		WHERE status = 'running'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("fail running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
