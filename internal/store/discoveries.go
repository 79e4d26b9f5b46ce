package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

// SaveDiscovery records a discovery with its acceptance outcome.
func (s *Store) SaveDiscovery(ctx context.Context, d *domain.Discovery, accepted bool, taskID *uuid.UUID, reason string) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO discoveries (id, spec_id, source_task_id, type, description,
			evidence, accepted, spawned_task_id, reject_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.SpecID, d.SourceTaskID, string(d.Type), d.Description,
		evidence, accepted, taskID, reason, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save discovery %s: %w", d.ID, err)
	}
	return nil
}

// ListDiscoveries returns a spec's discoveries, oldest first.
func (s *Store) ListDiscoveries(ctx context.Context, specID uuid.UUID) ([]*domain.Discovery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, spec_id, source_task_id, type, description, evidence, created_at
		FROM discoveries WHERE spec_id = $1
		ORDER BY created_at`, specID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer rows.Close()

	var out []*domain.Discovery
	for rows.Next() {
		var d domain.Discovery
		var evidence []byte
		if err := rows.Scan(&d.ID, &d.SpecID, &d.SourceTaskID, &d.Type, &d.Description, &evidence, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
