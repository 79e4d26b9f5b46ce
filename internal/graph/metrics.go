package graph

import (
	"sort"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
)

// Metadata summarizes a spec's graph for inspection surfaces.
type Metadata struct {
	TotalTasks         int         `json:"total_tasks"`
	DoneCount          int         `json:"done_count"`
	FailedCount        int         `json:"failed_count"`
	BlockedCount       int         `json:"blocked_count"`
	TotalEdges         int         `json:"total_edges"`
	CriticalPathLength int         `json:"critical_path_length"`
	CriticalPath       []uuid.UUID `json:"critical_path"`
}

// Metadata computes counts and the critical path for a spec.
func (s *Store) Metadata(specID uuid.UUID) Metadata {
	g, ok := s.get(specID)
	if !ok {
		return Metadata{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	md := Metadata{TotalTasks: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.Status {
		case domain.TaskDone:
			md.DoneCount++
		case domain.TaskFailed:
			md.FailedCount++
		case domain.TaskBlocked:
			md.BlockedCount++
		}
		md.TotalEdges += len(t.DependsOn)
	}
	md.CriticalPath = g.criticalPath()
	md.CriticalPathLength = len(md.CriticalPath)
	return md
}

// criticalPath finds the longest dependency chain via topological sort
// with longest-path relaxation. Caller holds g.mu.
func (g *specGraph) criticalPath() []uuid.UUID {
	if len(g.tasks) == 0 {
		return nil
	}

	inDegree := make(map[uuid.UUID]int, len(g.tasks))
	for id, t := range g.tasks {
		inDegree[id] = len(t.DependsOn)
	}

	var queue []uuid.UUID
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Stable start order keeps the result deterministic for ties.
	sort.Slice(queue, func(i, j int) bool { return g.tasks[queue[i]].Seq < g.tasks[queue[j]].Seq })

	longest := make(map[uuid.UUID]int, len(g.tasks))
	pred := make(map[uuid.UUID]uuid.UUID)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		next := append([]uuid.UUID(nil), g.dependents[n]...)
		sort.Slice(next, func(i, j int) bool { return g.tasks[next[i]].Seq < g.tasks[next[j]].Seq })
		for _, m := range next {
			if longest[n]+1 > longest[m] {
				longest[m] = longest[n] + 1
				pred[m] = n
			}
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	var end uuid.UUID
	best := -1
	for id := range g.tasks {
		if longest[id] > best || (longest[id] == best && g.tasks[id].Seq < g.tasks[end].Seq) {
			best = longest[id]
			end = id
		}
	}

	path := []uuid.UUID{end}
	for {
		p, ok := pred[path[len(path)-1]]
		if !ok {
			break
		}
		path = append(path, p)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
