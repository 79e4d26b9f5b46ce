package mirror

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Mirror projects the task dependency graph into Neo4j for lineage and
// path queries. It is a read model: the orchestrator never depends on
// it for decisions, and runs without it when Neo4j is down.
type Mirror struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a mirror backed by a Neo4j driver.
func New(uri, user, password string, logger *zap.Logger) (*Mirror, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Mirror{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

// SyncTask upserts a task node with its spec, dependency and lineage edges.
func (m *Mirror) SyncTask(ctx context.Context, task domain.Task) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (s:Spec {id: $specId})
		 MERGE (t:Task {id: $id})
		 SET t.description = $desc, t.status = $status,
		     t.mode = $mode, t.priority = $priority
		 MERGE (t)-[:BELONGS_TO]->(s)`,
		map[string]interface{}{
			"specId":   task.SpecID.String(),
			"id":       task.ID.String(),
			"desc":     task.Description,
			"status":   string(task.Status),
			"mode":     string(task.Mode),
			"priority": task.Priority,
		})
	if err != nil {
		return fmt.Errorf("sync task %s: %w", task.ID, err)
	}

	for _, dep := range task.DependsOn {
		_, err := session.Run(ctx,
			`MATCH (t:Task {id: $id})
			 MERGE (d:Task {id: $dep})
			 MERGE (t)-[:DEPENDS_ON]->(d)`,
			map[string]interface{}{"id": task.ID.String(), "dep": dep.String()})
		if err != nil {
			return fmt.Errorf("sync dep edge %s -> %s: %w", task.ID, dep, err)
		}
	}

	if task.ParentID != nil {
		_, err := session.Run(ctx,
			`MATCH (t:Task {id: $id})
			 MERGE (p:Task {id: $parent})
			 MERGE (t)-[:SPAWNED_BY]->(p)`,
			map[string]interface{}{"id": task.ID.String(), "parent": task.ParentID.String()})
		if err != nil {
			return fmt.Errorf("sync lineage edge %s -> %s: %w", task.ID, *task.ParentID, err)
		}
	}
	return nil
}

// Lineage returns the discovery ancestry of a task, nearest parent first.
func (m *Mirror) Lineage(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Task {id: $id})-[:SPAWNED_BY*]->(a:Task)
		 RETURN a.id AS id`,
		map[string]interface{}{"id": taskID.String()})
	if err != nil {
		return nil, fmt.Errorf("lineage query: %w", err)
	}

	var out []string
	for result.Next(ctx) {
		if id, ok := result.Record().Get("id"); ok {
			out = append(out, id.(string))
		}
	}
	return out, nil
}

// LongestChain returns the length of the deepest dependency chain in a
// spec's graph, as Neo4j sees it.
func (m *Mirror) LongestChain(ctx context.Context, specID uuid.UUID) (int, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Task)-[:BELONGS_TO]->(:Spec {id: $specId})
		 OPTIONAL MATCH p = (t)-[:DEPENDS_ON*]->(:Task)
		 RETURN coalesce(max(length(p)), 0) AS depth`,
		map[string]interface{}{"specId": specID.String()})
	if err != nil {
		return 0, fmt.Errorf("longest chain query: %w", err)
	}
	if result.Next(ctx) {
		if depth, ok := result.Record().Get("depth"); ok {
			return int(depth.(int64)) + 1, nil
		}
	}
	return 0, nil
}
