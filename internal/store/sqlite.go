package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createOperationsTable = `
CREATE TABLE IF NOT EXISTS operations (
    id                  TEXT PRIMARY KEY,
    status              TEXT NOT NULL,
    mode                TEXT NOT NULL,
    resolved_mode       TEXT,
    symbols             TEXT NOT NULL,
    timeframe           TEXT NOT NULL,
    epochs              INTEGER NOT NULL,
    require_accelerator INTEGER NOT NULL DEFAULT 0,
    session_id          TEXT,
    artifact_location   TEXT,
    error               TEXT,
    training_metrics    TEXT,
    evaluation_metrics  TEXT,
    feature_names       TEXT,
    timeout_s           INTEGER,
    duration_ms         INTEGER,
    created_at          DATETIME NOT NULL,
    started_at          DATETIME,
    finished_at         DATETIME
)`

const createProgressTable = `
CREATE TABLE IF NOT EXISTS progress_snapshots (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    snapshot     TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createOperationsTable, createProgressTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes v for TEXT column storage; nil values become NULL.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateOperation inserts a new operation record.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	symbols, err := marshalJSON(op.Symbols)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (
			id, status, mode, resolved_mode, symbols, timeframe, epochs,
			require_accelerator, session_id, artifact_location, error,
			training_metrics, evaluation_metrics, feature_names,
			timeout_s, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Status, op.Mode, op.ResolvedMode, symbols.String, op.Timeframe, op.Epochs,
		op.RequireAccelerator, op.SessionID, op.ArtifactLocation, op.Error,
		nil, nil, nil,
		op.TimeoutS, op.DurationMS, op.CreatedAt, op.StartedAt, op.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

const operationColumns = `id, status, mode, resolved_mode, symbols, timeframe, epochs,
	require_accelerator, session_id, artifact_location, error,
	training_metrics, evaluation_metrics, feature_names,
	timeout_s, duration_ms, created_at, started_at, finished_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*model.Operation, error) {
	op := &model.Operation{}
	var resolvedMode, sessionID, artifactLocation, errMsg sql.NullString
	var symbols, trainMetrics, evalMetrics, featureNames sql.NullString

	err := row.Scan(
		&op.ID, &op.Status, &op.Mode, &resolvedMode, &symbols, &op.Timeframe, &op.Epochs,
		&op.RequireAccelerator, &sessionID, &artifactLocation, &errMsg,
		&trainMetrics, &evalMetrics, &featureNames,
		&op.TimeoutS, &op.DurationMS, &op.CreatedAt, &op.StartedAt, &op.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	op.ResolvedMode = resolvedMode.String
	op.SessionID = sessionID.String
	op.ArtifactLocation = artifactLocation.String
	op.Error = errMsg.String

	if symbols.Valid {
		if err := json.Unmarshal([]byte(symbols.String), &op.Symbols); err != nil {
			return nil, fmt.Errorf("unmarshal symbols: %w", err)
		}
	}
	if trainMetrics.Valid {
		op.TrainingMetrics = &model.TrainingMetrics{}
		if err := json.Unmarshal([]byte(trainMetrics.String), op.TrainingMetrics); err != nil {
			return nil, fmt.Errorf("unmarshal training metrics: %w", err)
		}
	}
	if evalMetrics.Valid {
		op.EvaluationMetrics = &model.EvaluationMetrics{}
		if err := json.Unmarshal([]byte(evalMetrics.String), op.EvaluationMetrics); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation metrics: %w", err)
		}
	}
	if featureNames.Valid {
		if err := json.Unmarshal([]byte(featureNames.String), &op.FeatureNames); err != nil {
			return nil, fmt.Errorf("unmarshal feature names: %w", err)
		}
	}

	return op, nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns a paginated list ordered by created_at DESC, along
// with the total count of all operations.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit, offset int) ([]*model.Operation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var operations []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan operation: %w", err)
		}
		operations = append(operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate operations: %w", err)
	}

	return operations, total, nil
}

// MarkOperationRunning transitions queued→running and records the resolved
// mode, session id, and start time.
func (s *SQLiteStore) MarkOperationRunning(ctx context.Context, id, resolvedMode, sessionID string, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, resolved_mode = ?, session_id = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusRunning, resolvedMode, sessionID, startedAt, id, model.StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("mark operation running: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetOperation(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// FinishOperation writes a terminal state for the operation, enforcing a
// valid transition from the current status.
func (s *SQLiteStore) FinishOperation(ctx context.Context, op *model.Operation) error {
	if !model.IsTerminal(op.Status) {
		return fmt.Errorf("finish with non-terminal status %q: %w", op.Status, ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM operations WHERE id = ?", op.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	if !model.ValidTransition(current, op.Status) {
		return fmt.Errorf("%s -> %s: %w", current, op.Status, ErrInvalidTransition)
	}

	trainMetrics, err := marshalJSON(opMetricsOrNil(op.TrainingMetrics))
	if err != nil {
		return err
	}
	evalMetrics, err := marshalJSON(opMetricsOrNil(op.EvaluationMetrics))
	if err != nil {
		return err
	}
	featureNames, err := marshalJSON(namesOrNil(op.FeatureNames))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE operations SET
			status = ?, session_id = ?, artifact_location = ?, error = ?,
			training_metrics = ?, evaluation_metrics = ?, feature_names = ?,
			duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		op.Status, op.SessionID, op.ArtifactLocation, op.Error,
		trainMetrics, evalMetrics, featureNames,
		op.DurationMS, op.FinishedAt,
		op.ID, current,
	)
	if err != nil {
		return fmt.Errorf("finish operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

func opMetricsOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

func namesOrNil(names []string) any {
	if len(names) == 0 {
		return nil
	}
	return names
}

// GetOperationStats aggregates counts by status and resolved mode, plus the
// average duration of finished operations.
func (s *SQLiteStore) GetOperationStats(ctx context.Context) (*OperationStats, error) {
	stats := &OperationStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM operations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	modeRows, err := s.db.QueryContext(ctx,
		"SELECT resolved_mode, COUNT(*) FROM operations WHERE resolved_mode IS NOT NULL AND resolved_mode != '' GROUP BY resolved_mode")
	if err != nil {
		return nil, fmt.Errorf("count by mode: %w", err)
	}
	defer modeRows.Close()
	for modeRows.Next() {
		var mode string
		var count int
		if err := modeRows.Scan(&mode, &count); err != nil {
			return nil, fmt.Errorf("scan mode count: %w", err)
		}
		stats.CountByMode[mode] = count
	}
	if err := modeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mode counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM operations WHERE duration_ms IS NOT NULL").Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// InsertProgress appends one progress snapshot to the operation's history.
func (s *SQLiteStore) InsertProgress(ctx context.Context, operationID string, seq int, snap model.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO progress_snapshots (operation_id, seq, snapshot, created_at) VALUES (?, ?, ?, ?)",
		operationID, seq, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert progress snapshot: %w", err)
	}
	return nil
}

// GetProgressHistory returns all retained snapshots for an operation in
// sequence order.
func (s *SQLiteStore) GetProgressHistory(ctx context.Context, operationID string) ([]ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, snapshot, created_at FROM progress_snapshots WHERE operation_id = ? ORDER BY seq ASC",
		operationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get progress history: %w", err)
	}
	defer rows.Close()

	var records []ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		var data string
		if err := rows.Scan(&rec.Seq, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal progress snapshot: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress snapshots: %w", err)
	}

	return records, nil
}
