// Package taskstore persists task lifecycle records to the shared SQLite
// database, grounded on the original's task_storage_sqlite.py: a task
// moves queued -> running -> completed|failed, with the final result (or
// per-service broadcast sub-results) and timing recorded at each
// transition, per SPEC_FULL.md §4.9.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
)

// Store is the task-record persistence service.
type Store struct {
	db *store.DB
}

// New returns a Store bound to db.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new task row in the Queued state and returns the new
// record.
func (s *Store) Create(prompt string, files []string, preferences map[string]string) (*shared.TaskRecord, error) {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	prefsJSON, err := json.Marshal(preferences)
	if err != nil {
		return nil, err
	}

	rec := &shared.TaskRecord{
		ID:          uuid.NewString(),
		Status:      shared.TaskQueued,
		Prompt:      prompt,
		Files:       files,
		Preferences: preferences,
		CreatedAt:   time.Now(),
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, status, prompt, files, preferences, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Status), prompt, string(filesJSON), string(prefsJSON), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkRunning transitions a task to Running and records the assigned
// service and category decided by the router/classifier. started_at is
// set only on the first call, so walking to a fallback keeps it.
func (s *Store) MarkRunning(taskID, assignedService string, category shared.Category, mode shared.ExecutionMode) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, assigned_service = ?, category = ?, execution_mode = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
		string(shared.TaskRunning), assignedService, string(category), string(mode), time.Now().Unix(), taskID,
	)
	return err
}

// MarkCompleted transitions a task to Completed, recording its result
// text and (for broadcast-all tasks) the per-service sub-results.
func (s *Store) MarkCompleted(taskID, result string, broadcast []shared.BroadcastResult) error {
	broadcastJSON, err := json.Marshal(broadcast)
	if err != nil {
		return err
	}
	now := time.Now()

	row := s.db.QueryRow(`SELECT started_at FROM tasks WHERE id = ?`, taskID)
	var startedAt sql.NullInt64
	if err := row.Scan(&startedAt); err != nil {
		return err
	}
	var durationMs int64
	if startedAt.Valid {
		durationMs = now.Unix()*1000 - startedAt.Int64*1000
	}

	_, err = s.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, broadcast = ?, completed_at = ?, duration_ms = ? WHERE id = ?`,
		string(shared.TaskCompleted), result, string(broadcastJSON), now.Unix(), durationMs, taskID,
	)
	return err
}

// MarkFailed transitions a task to Failed, recording the error message
// and whatever partial result text had already streamed before the
// failure, truncated to 500 chars.
func (s *Store) MarkFailed(taskID string, taskErr error, partialResult string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, result = ?, completed_at = ? WHERE id = ?`,
		string(shared.TaskFailed), taskErr.Error(), truncate(partialResult, 500), now.Unix(), taskID,
	)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Get loads a task record by id, or (nil, nil) if it doesn't exist.
func (s *Store) Get(taskID string) (*shared.TaskRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, status, prompt, files, preferences, assigned_service, category, execution_mode, result, error, broadcast, created_at, started_at, completed_at, duration_ms FROM tasks WHERE id = ?`,
		taskID,
	)
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListByStatus returns all tasks in the given status, newest first.
func (s *Store) ListByStatus(status shared.TaskStatus) ([]*shared.TaskRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, status, prompt, files, preferences, assigned_service, category, execution_mode, result, error, broadcast, created_at, started_at, completed_at, duration_ms FROM tasks WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*shared.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*shared.TaskRecord, error) {
	var rec shared.TaskRecord
	var status, filesJSON, prefsJSON string
	var assignedService, category, mode, broadcastJSON, result, errMsg sql.NullString
	var createdAt int64
	var startedAt, completedAt, durationMs sql.NullInt64

	if err := row.Scan(
		&rec.ID, &status, &rec.Prompt, &filesJSON, &prefsJSON, &assignedService, &category, &mode,
		&result, &errMsg, &broadcastJSON, &createdAt, &startedAt, &completedAt, &durationMs,
	); err != nil {
		return nil, err
	}

	rec.Status = shared.TaskStatus(status)
	rec.Category = shared.Category(category.String)
	rec.ExecutionMode = shared.ExecutionMode(mode.String)
	rec.AssignedService = assignedService.String
	rec.Result = result.String
	rec.Error = errMsg.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		rec.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if completedAt.Valid {
		rec.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	rec.DurationMillis = durationMs.Int64

	_ = json.Unmarshal([]byte(filesJSON), &rec.Files)
	_ = json.Unmarshal([]byte(prefsJSON), &rec.Preferences)
	_ = json.Unmarshal([]byte(broadcastJSON.String), &rec.Broadcast)

	return &rec, nil
}
