package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		institution_id TEXT NOT NULL,
		accreditor_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		snapshot TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_institution ON workflow_runs(institution_id);
	CREATE INDEX IF NOT EXISTS idx_runs_accreditor ON workflow_runs(accreditor_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status);

	CREATE TABLE IF NOT EXISTS workflow_rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		converged INTEGER NOT NULL DEFAULT 0,
		overall_confidence REAL,
		results TEXT NOT NULL,
		FOREIGN KEY (workflow_id) REFERENCES workflow_runs(id) ON DELETE CASCADE,
		UNIQUE (workflow_id, round_number)
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_workflow ON workflow_rounds(workflow_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// SaveWorkflow upserts a workflow result and replaces its round history.
func (c *Client) SaveWorkflow(ctx context.Context, result *models.WorkflowResult) error {
	snapshotJSON, err := json.Marshal(result.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var completedAt sql.NullInt64
	if result.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: result.CompletedAt.Unix(), Valid: true}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, institution_id, accreditor_id, status, error_message, snapshot, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			snapshot = excluded.snapshot,
			completed_at = excluded.completed_at
	`,
		result.WorkflowID,
		result.InstitutionID,
		result.AccreditorID,
		string(result.Status),
		result.ErrorMessage,
		string(snapshotJSON),
		result.StartedAt.Unix(),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM workflow_rounds WHERE workflow_id = ?`, result.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to clear rounds: %w", err)
	}

	for _, round := range result.Rounds {
		resultsJSON, err := json.Marshal(round.Results)
		if err != nil {
			return fmt.Errorf("failed to marshal round results: %w", err)
		}

		converged := 0
		if round.Converged {
			converged = 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_rounds (workflow_id, round_number, converged, overall_confidence, results)
			VALUES (?, ?, ?, ?, ?)
		`,
			result.WorkflowID,
			round.RoundNumber,
			converged,
			round.OverallConfidence,
			string(resultsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert round: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}

	logger.Debug("Workflow persisted",
		zap.String("workflow_id", result.WorkflowID),
		zap.String("status", string(result.Status)),
		zap.Int("rounds", len(result.Rounds)),
	)

	return nil
}

// GetWorkflow loads a workflow result with its full round history.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*models.WorkflowResult, error) {
	var result models.WorkflowResult
	var status string
	var snapshotJSON string
	var startedAt int64
	var completedAt sql.NullInt64

	err := c.db.QueryRowContext(ctx, `
		SELECT id, institution_id, accreditor_id, status, error_message, snapshot, started_at, completed_at
		FROM workflow_runs WHERE id = ?
	`, workflowID).Scan(
		&result.WorkflowID,
		&result.InstitutionID,
		&result.AccreditorID,
		&status,
		&result.ErrorMessage,
		&snapshotJSON,
		&startedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	result.Status = models.WorkflowStatus(status)
	result.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt.Valid {
		completed := time.Unix(completedAt.Int64, 0).UTC()
		result.CompletedAt = &completed
	}

	if snapshotJSON != "" {
		if err := json.Unmarshal([]byte(snapshotJSON), &result.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT round_number, converged, overall_confidence, results
		FROM workflow_rounds WHERE workflow_id = ? ORDER BY round_number
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rounds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var round models.PipelineRound
		var converged int
		var resultsJSON string

		if err := rows.Scan(&round.RoundNumber, &converged, &round.OverallConfidence, &resultsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		round.Converged = converged == 1

		if err := json.Unmarshal([]byte(resultsJSON), &round.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal round results: %w", err)
		}

		result.Rounds = append(result.Rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rounds: %w", err)
	}

	return &result, nil
}

// ListWorkflows returns recent runs for an institution, newest first,
// without round detail.
func (c *Client) ListWorkflows(ctx context.Context, institutionID string, limit int) ([]models.WorkflowResult, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, institution_id, accreditor_id, status, error_message, started_at, completed_at
		FROM workflow_runs
		WHERE institution_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, institutionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var results []models.WorkflowResult
	for rows.Next() {
		var result models.WorkflowResult
		var status string
		var startedAt int64
		var completedAt sql.NullInt64

		err := rows.Scan(
			&result.WorkflowID,
			&result.InstitutionID,
			&result.AccreditorID,
			&status,
			&result.ErrorMessage,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		result.Status = models.WorkflowStatus(status)
		result.StartedAt = time.Unix(startedAt, 0).UTC()
		if completedAt.Valid {
			completed := time.Unix(completedAt.Int64, 0).UTC()
			result.CompletedAt = &completed
		}

		results = append(results, result)
	}

	return results, rows.Err()
}
