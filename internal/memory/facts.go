package memory

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// FactGraph mirrors semantic triples into Neo4j so related facts can be
// walked by subject. The persisted memory rows remain the source of truth;
// the graph only serves retrieval.
type FactGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewFactGraph connects to Neo4j.
func NewFactGraph(uri, user, password string, logger *zap.Logger) (*FactGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &FactGraph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *FactGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *FactGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// AddFact merges subject and object nodes and links them with the predicate.
func (g *FactGraph) AddFact(ctx context.Context, agentID string, f Fact) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (s:Entity {agent_id: $agentId, name: $subject})
		 MERGE (o:Entity {agent_id: $agentId, name: $object})
		 MERGE (s)-[r:FACT {predicate: $predicate}]->(o)
		 ON CREATE SET r.created_at = datetime()`,
		map[string]interface{}{
			"agentId":   agentID,
			"subject":   f.Subject,
			"predicate": f.Predicate,
			"object":    f.Object,
		})
	if err != nil {
		return fmt.Errorf("add fact: %w", err)
	}
	g.logger.Debug("stored fact",
		zap.String("agent", agentID),
		zap.String("subject", f.Subject),
		zap.String("predicate", f.Predicate))
	return nil
}

// RelatedFacts returns triples whose subject or object matches, up to limit.
func (g *FactGraph) RelatedFacts(ctx context.Context, agentID, subject string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Entity {agent_id: $agentId})-[r:FACT]->(o:Entity)
		 WHERE s.name = $subject OR o.name = $subject
		 RETURN s.name AS subject, r.predicate AS predicate, o.name AS object
		 LIMIT $limit`,
		map[string]interface{}{
			"agentId": agentID,
			"subject": subject,
			"limit":   limit,
		})
	if err != nil {
		return nil, fmt.Errorf("related facts: %w", err)
	}

	var facts []Fact
	for result.Next(ctx) {
		rec := result.Record()
		var f Fact
		if v, ok := rec.Get("subject"); ok && v != nil {
			f.Subject = v.(string)
		}
		if v, ok := rec.Get("predicate"); ok && v != nil {
			f.Predicate = v.(string)
		}
		if v, ok := rec.Get("object"); ok && v != nil {
			f.Object = v.(string)
		}
		facts = append(facts, f)
	}
	return facts, result.Err()
}
