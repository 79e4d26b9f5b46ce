package discovery

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/embedding"
	"github.com/halcyonlabs/specforge/internal/vectorstore"
)

// Match is the closest indexed task to a query.
type Match struct {
	TaskID uuid.UUID
	Score  float64
}

// Index is the semantic task index used for duplicate detection.
// Queries are always scoped to one spec.
type Index interface {
	Add(ctx context.Context, specID, taskID uuid.UUID, text string) error
	Nearest(ctx context.Context, specID uuid.UUID, text string) (*Match, error)
}

// QdrantIndex stores task embeddings in a Qdrant collection.
type QdrantIndex struct {
	client     *vectorstore.Client
	embedder   embedding.Provider
	collection string
}

// NewQdrantIndex ensures the collection exists and returns the index.
func NewQdrantIndex(ctx context.Context, client *vectorstore.Client, embedder embedding.Provider, collection string) (*QdrantIndex, error) {
	if err := client.EnsureCollection(ctx, collection, uint64(embedder.Dimension())); err != nil {
		return nil, err
	}
	return &QdrantIndex{client: client, embedder: embedder, collection: collection}, nil
}

// Add embeds the task text and upserts it keyed by task id.
func (q *QdrantIndex) Add(ctx context.Context, specID, taskID uuid.UUID, text string) error {
	vecs, err := q.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	return q.client.Upsert(ctx, q.collection, taskID.String(), vecs[0], map[string]string{
		"spec_id": specID.String(),
	})
}

// Nearest returns the most similar indexed task within the spec.
func (q *QdrantIndex) Nearest(ctx context.Context, specID uuid.UUID, text string) (*Match, error) {
	vecs, err := q.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	hits, err := q.client.Search(ctx, q.collection, vecs[0], 1, map[string]string{
		"spec_id": specID.String(),
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	id, err := uuid.Parse(hits[0].ID)
	if err != nil {
		return nil, err
	}
	return &Match{TaskID: id, Score: float64(hits[0].Score)}, nil
}

// MemoryIndex keeps embeddings in process. Cosine search over a small
// per-spec set; the default when Qdrant is not configured.
type MemoryIndex struct {
	embedder embedding.Provider
	mu       sync.RWMutex
	bySpec   map[uuid.UUID]map[uuid.UUID][]float32
}

// NewMemoryIndex creates an in-process index.
func NewMemoryIndex(embedder embedding.Provider) *MemoryIndex {
	return &MemoryIndex{
		embedder: embedder,
		bySpec:   make(map[uuid.UUID]map[uuid.UUID][]float32),
	}
}

// Add embeds and stores the task text.
func (m *MemoryIndex) Add(ctx context.Context, specID, taskID uuid.UUID, text string) error {
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks, ok := m.bySpec[specID]
	if !ok {
		tasks = make(map[uuid.UUID][]float32)
		m.bySpec[specID] = tasks
	}
	tasks[taskID] = vecs[0]
	return nil
}

// Nearest scans the spec's vectors for the best cosine match.
func (m *MemoryIndex) Nearest(ctx context.Context, specID uuid.UUID, text string) (*Match, error) {
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	query := vecs[0]

	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Match
	for taskID, vec := range m.bySpec[specID] {
		score := cosine(query, vec)
		if best == nil || score > best.Score {
			best = &Match{TaskID: taskID, Score: score}
		}
	}
	return best, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
