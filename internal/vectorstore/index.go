package vectorstore

import (
	"context"
	"fmt"

	"github.com/emberlight/convoy/internal/embedding"
	"github.com/emberlight/convoy/internal/memory"
	"go.uber.org/zap"
)

// CollMemories is the Qdrant collection holding memory embeddings.
const CollMemories = "memories"

// MemoryIndex implements memory.Indexer over Qdrant plus an embedding
// provider. Postgres rows stay authoritative; this index only ranks them.
type MemoryIndex struct {
	embedder embedding.Provider
	client   *Client
	logger   *zap.Logger
}

// NewMemoryIndex builds the index adapter.
func NewMemoryIndex(embedder embedding.Provider, client *Client, logger *zap.Logger) *MemoryIndex {
	return &MemoryIndex{embedder: embedder, client: client, logger: logger}
}

// Init ensures the backing collection exists.
func (x *MemoryIndex) Init(ctx context.Context) error {
	dim := uint64(x.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := x.client.EnsureCollection(ctx, CollMemories, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", CollMemories, err)
	}
	return nil
}

// Index embeds the record's text and upserts it keyed by the record ID.
func (x *MemoryIndex) Index(ctx context.Context, r *memory.Record, text string) error {
	if text == "" {
		return nil
	}
	vectors, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("empty embedding result")
	}
	payload := map[string]string{
		"agent_id": r.AgentID,
		"type":     string(r.Type),
	}
	return x.client.Upsert(ctx, CollMemories, r.ID, vectors[0], payload)
}

// Search embeds the query and returns matching record IDs, best first.
func (x *MemoryIndex) Search(ctx context.Context, agentID, query string, limit int) ([]string, error) {
	vectors, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	hits, err := x.client.Search(ctx, CollMemories, agentID, vectors[0], uint64(limit))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids, nil
}
