package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

// SaveTask upserts a task snapshot.
func (s *Store) SaveTask(ctx context.Context, t *domain.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal deps: %w", err)
	}
	criteria, err := json.Marshal(t.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	reasons, err := json.Marshal(t.FailureReasons)
	if err != nil {
		return fmt.Errorf("marshal failure reasons: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, spec_id, description, mode, status, priority, depends_on,
			parent_id, discovery_id, criteria, constraints, branch, retries,
			failure_reasons, blocked_reason, seq, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			depends_on = EXCLUDED.depends_on,
			constraints = EXCLUDED.constraints,
			branch = EXCLUDED.branch,
			retries = EXCLUDED.retries,
			failure_reasons = EXCLUDED.failure_reasons,
			blocked_reason = EXCLUDED.blocked_reason,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.SpecID, t.Description, string(t.Mode), string(t.Status), t.Priority, deps,
		t.ParentID, t.DiscoveryID, criteria, constraints, t.Branch, t.Retries,
		reasons, t.BlockedReason, t.Seq, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns all tasks of a spec in insertion order.
func (s *Store) ListTasks(ctx context.Context, specID uuid.UUID) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, spec_id, description, mode, status, priority, depends_on,
		       parent_id, discovery_id, criteria, constraints, COALESCE(branch,''), retries,
		       failure_reasons, COALESCE(blocked_reason,''), seq, created_at, started_at, completed_at
		FROM tasks WHERE spec_id = $1
		ORDER BY seq`, specID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		var deps, criteria, constraints, reasons []byte
		if err := rows.Scan(
			&t.ID, &t.SpecID, &t.Description, &t.Mode, &t.Status, &t.Priority, &deps,
			&t.ParentID, &t.DiscoveryID, &criteria, &constraints, &t.Branch, &t.Retries,
			&reasons, &t.BlockedReason, &t.Seq, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal(deps, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode deps: %w", err)
		}
		if err := json.Unmarshal(criteria, &t.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria: %w", err)
		}
		if err := json.Unmarshal(constraints, &t.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
		if err := json.Unmarshal(reasons, &t.FailureReasons); err != nil {
			return nil, fmt.Errorf("decode failure reasons: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}
