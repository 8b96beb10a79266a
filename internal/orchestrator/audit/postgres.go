package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/qiniu/rollouts/internal/orchestrator/model"
)

// PostgresLog persists transitions so the write-ahead history survives a
// controller restart. Schema:
//
//	CREATE TABLE audit_transitions (
//	    seq           BIGSERIAL PRIMARY KEY,
//	    deployment_id TEXT NOT NULL,
//	    service_name  TEXT NOT NULL,
//	    from_state    TEXT NOT NULL,
//	    to_state      TEXT NOT NULL,
//	    step          JSONB NOT NULL,
//	    reason        TEXT NOT NULL DEFAULT '',
//	    logged_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    applied       BOOLEAN NOT NULL DEFAULT FALSE,
//	    applied_at    TIMESTAMPTZ
//	);
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(dsn string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresLog{db: db}, nil
}

func (l *PostgresLog) Close() error {
	return l.db.Close()
}

func (l *PostgresLog) Append(ctx context.Context, tr model.Transition) (int64, error) {
	step, err := json.Marshal(tr.Step)
	if err != nil {
		return 0, fmt.Errorf("marshal step: %w", err)
	}
	const q = `INSERT INTO audit_transitions (deployment_id, service_name, from_state, to_state, step, reason)
	           VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`
	var seq int64
	if err := l.db.QueryRowContext(ctx, q, tr.DeploymentID, tr.ServiceName,
		string(tr.FromState), string(tr.ToState), step, tr.Reason).Scan(&seq); err != nil {
		return 0, fmt.Errorf("append transition: %w", err)
	}
	return seq, nil
}

func (l *PostgresLog) MarkApplied(ctx context.Context, seq int64) error {
	const q = `UPDATE audit_transitions SET applied = TRUE, applied_at = NOW() WHERE seq = $1`
	if _, err := l.db.ExecContext(ctx, q, seq); err != nil {
		return fmt.Errorf("mark transition applied: %w", err)
	}
	return nil
}

func (l *PostgresLog) List(ctx context.Context, deploymentID string) ([]model.Transition, error) {
	const q = `SELECT seq, deployment_id, service_name, from_state, to_state, step, reason, logged_at, applied, applied_at
	           FROM audit_transitions WHERE deployment_id = $1 ORDER BY seq ASC`
	return l.query(ctx, q, deploymentID)
}

func (l *PostgresLog) Unapplied(ctx context.Context, deploymentID string) ([]model.Transition, error) {
	const q = `SELECT seq, deployment_id, service_name, from_state, to_state, step, reason, logged_at, applied, applied_at
	           FROM audit_transitions WHERE deployment_id = $1 AND applied = FALSE ORDER BY seq ASC`
	return l.query(ctx, q, deploymentID)
}

func (l *PostgresLog) query(ctx context.Context, q, deploymentID string) ([]model.Transition, error) {
	rows, err := l.db.QueryContext(ctx, q, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []model.Transition{}
	for rows.Next() {
		var tr model.Transition
		var from, to string
		var step []byte
		if err := rows.Scan(&tr.Seq, &tr.DeploymentID, &tr.ServiceName, &from, &to,
			&step, &tr.Reason, &tr.LoggedAt, &tr.Applied, &tr.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromState = model.DeploymentState(from)
		tr.ToState = model.DeploymentState(to)
		if err := json.Unmarshal(step, &tr.Step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
