package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

// SaveAttempt upserts an execution attempt snapshot.
func (s *Store) SaveAttempt(ctx context.Context, a *domain.ExecutionAttempt) error {
	alignment, err := json.Marshal(a.Alignment)
	if err != nil {
		return fmt.Errorf("marshal alignment: %w", err)
	}
	artifact, err := json.Marshal(a.Artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	touched, err := json.Marshal(a.Touched)
	if err != nil {
		return fmt.Errorf("marshal touched: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO attempts (id, task_id, spec_id, agent_id, status, started_at,
			last_heartbeat, closed_at, alignment, interventions, stuck_episodes,
			artifact, error, touched)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			closed_at = EXCLUDED.closed_at,
			alignment = EXCLUDED.alignment,
			interventions = EXCLUDED.interventions,
			stuck_episodes = EXCLUDED.stuck_episodes,
			artifact = EXCLUDED.artifact,
			error = EXCLUDED.error,
			touched = EXCLUDED.touched`,
		a.ID, a.TaskID, a.SpecID, a.AgentID, string(a.Status), a.StartedAt,
		a.LastHeartbeat, a.ClosedAt, alignment, a.Interventions, a.StuckEpisodes,
		artifact, a.Error, touched,
	)
	if err != nil {
		return fmt.Errorf("save attempt %s: %w", a.ID, err)
	}
	return nil
}

// ListAttempts returns every attempt made for a task, oldest first.
func (s *Store) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]*domain.ExecutionAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, spec_id, COALESCE(agent_id,''), status, started_at,
		       last_heartbeat, closed_at, alignment, interventions, stuck_episodes,
		       artifact, COALESCE(error,''), touched
		FROM attempts WHERE task_id = $1
		ORDER BY started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.ExecutionAttempt
	for rows.Next() {
		var a domain.ExecutionAttempt
		var alignment, artifact, touched []byte
		if err := rows.Scan(
			&a.ID, &a.TaskID, &a.SpecID, &a.AgentID, &a.Status, &a.StartedAt,
			&a.LastHeartbeat, &a.ClosedAt, &alignment, &a.Interventions, &a.StuckEpisodes,
			&artifact, &a.Error, &touched,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal(alignment, &a.Alignment); err != nil {
			return nil, fmt.Errorf("decode alignment: %w", err)
		}
		if err := json.Unmarshal(artifact, &a.Artifact); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		if err := json.Unmarshal(touched, &a.Touched); err != nil {
			return nil, fmt.Errorf("decode touched: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, nil
}

// SaveIntervention upserts an intervention with its audit trail.
func (s *Store) SaveIntervention(ctx context.Context, iv *domain.Intervention) error {
	audit, err := json.Marshal(iv.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	var recoveryMs *int64
	if iv.RecoveryTime != nil {
		ms := iv.RecoveryTime.Milliseconds()
		recoveryMs = &ms
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO interventions (id, attempt_id, task_id, type, reason, issued_by,
			issued_at, resolved, recovery_ms, outcome, audit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			recovery_ms = EXCLUDED.recovery_ms,
			outcome = EXCLUDED.outcome,
			audit = EXCLUDED.audit`,
		iv.ID, iv.AttemptID, iv.TaskID, string(iv.Type), iv.Reason, iv.IssuedBy,
		iv.IssuedAt, iv.Resolved, recoveryMs, string(iv.Outcome), audit,
	)
	if err != nil {
		return fmt.Errorf("save intervention %s: %w", iv.ID, err)
	}
	return nil
}
