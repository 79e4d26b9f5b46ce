package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

// SaveSpec upserts a spec with its full phase history.
func (s *Store) SaveSpec(ctx context.Context, spec *domain.Spec) error {
	history, err := json.Marshal(spec.PhaseHistory)
	if err != nil {
		return fmt.Errorf("marshal phase history: %w", err)
	}
	criteria, err := json.Marshal(spec.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	constraints, err := json.Marshal(spec.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO specs (id, title, description, phase, phase_history, criteria, constraints, status, base_branch, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			phase = EXCLUDED.phase,
			phase_history = EXCLUDED.phase_history,
			criteria = EXCLUDED.criteria,
			constraints = EXCLUDED.constraints,
			status = EXCLUDED.status,
			base_branch = EXCLUDED.base_branch,
			updated_at = EXCLUDED.updated_at`,
		spec.ID, spec.Title, spec.Description, string(spec.Phase), history,
		criteria, constraints, string(spec.Status), spec.BaseBranch,
		spec.CreatedAt, spec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save spec %s: %w", spec.ID, err)
	}
	return nil
}

// GetSpec retrieves a single spec by id.
func (s *Store) GetSpec(ctx context.Context, id uuid.UUID) (*domain.Spec, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, description, phase, phase_history, criteria, constraints,
		       status, COALESCE(base_branch,''), created_at, updated_at
		FROM specs WHERE id = $1`, id)

	var spec domain.Spec
	var history, criteria, constraints []byte
	err := row.Scan(
		&spec.ID, &spec.Title, &spec.Description, &spec.Phase, &history,
		&criteria, &constraints, &spec.Status, &spec.BaseBranch,
		&spec.CreatedAt, &spec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get spec %s: %w", id, err)
	}
	if err := json.Unmarshal(history, &spec.PhaseHistory); err != nil {
		return nil, fmt.Errorf("decode phase history: %w", err)
	}
	if err := json.Unmarshal(criteria, &spec.Criteria); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	if err := json.Unmarshal(constraints, &spec.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	return &spec, nil
}

// ListSpecs returns all specs, oldest first.
func (s *Store) ListSpecs(ctx context.Context) ([]*domain.Spec, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM specs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan spec id: %w", err)
		}
		ids = append(ids, id)
	}

	specs := make([]*domain.Spec, 0, len(ids))
	for _, id := range ids {
		spec, err := s.GetSpec(ctx, id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
