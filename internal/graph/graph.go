package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/aria5/riskcore/internal/models"
)

// Graph mirrors the service dependency graph into neo4j for impact-path
// queries. The relational store stays the source of truth; the scheduler
// resyncs the mirror on a fixed cadence.
type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Service) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Service) ON (n.name)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

func (g *Graph) UpsertService(ctx context.Context, svc *models.ServiceNode) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (s:Service {id: $id})
		SET s.name = $name,
			s.criticality = $criticality,
			s.aggregateScore = $aggregateScore,
			s.riskTrend = $riskTrend,
			s.tenantId = $tenantId
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":             svc.ID.String(),
		"name":           svc.Name,
		"criticality":    string(svc.Criticality),
		"aggregateScore": svc.AggregateScore,
		"riskTrend":      string(svc.RiskTrend),
		"tenantId":       svc.TenantID,
	})

	return err
}

func (g *Graph) UpsertDependency(ctx context.Context, edge *models.ServiceDependencyEdge) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (s:Service {id: $serviceId})
		MATCH (d:Service {id: $dependsOnId})
		MERGE (s)-[r:DEPENDS_ON]->(d)
		SET r.id = $id,
			r.dependencyType = $dependencyType,
			r.criticality = $criticality,
			r.propagationFactor = $propagationFactor
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":                edge.ID.String(),
		"serviceId":         edge.ServiceID.String(),
		"dependsOnId":       edge.DependsOnServiceID.String(),
		"dependencyType":    string(edge.DependencyType),
		"criticality":       string(edge.Criticality),
		"propagationFactor": edge.PropagationFactor(),
	})

	return err
}

// ImpactPath is one blast-radius path from an affected service to a
// transitive dependent.
type ImpactPath struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Path     []string `json:"path"`
	HopCount int      `json:"hop_count"`
}

// FindImpactPaths returns the dependency paths leading INTO the given
// service, i.e. the dependents that would feel a risk landing on it.
func (g *Graph) FindImpactPaths(ctx context.Context, serviceID uuid.UUID, maxHops int) ([]ImpactPath, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH path = (dep:Service)-[:DEPENDS_ON*1..` + fmt.Sprintf("%d", maxHops) + `]->(s:Service {id: $serviceId})
		RETURN dep.name as source,
			   s.name as target,
			   [n in nodes(path) | n.name] as pathNodes,
			   length(path) as hops
		ORDER BY hops ASC
		LIMIT 100
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"serviceId": serviceID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var paths []ImpactPath
	for result.Next(ctx) {
		record := result.Record()
		source, _ := record.Get("source")
		target, _ := record.Get("target")
		pathNodes, _ := record.Get("pathNodes")
		hops, _ := record.Get("hops")

		path := ImpactPath{
			Source:   source.(string),
			Target:   target.(string),
			HopCount: int(hops.(int64)),
		}

		if nodes, ok := pathNodes.([]interface{}); ok {
			for _, n := range nodes {
				if s, ok := n.(string); ok {
					path.Path = append(path.Path, s)
				}
			}
		}

		paths = append(paths, path)
	}

	return paths, nil
}

// HighRiskDependents returns dependents of high-scoring services, the
// graph-side view used by the SLA digest.
func (g *Graph) HighRiskDependents(ctx context.Context, minScore float64) ([]ImpactPath, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (dep:Service)-[:DEPENDS_ON]->(s:Service)
		WHERE s.aggregateScore >= $minScore
		RETURN dep.name as source, s.name as target
		ORDER BY s.aggregateScore DESC
		LIMIT 100
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"minScore": minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var paths []ImpactPath
	for result.Next(ctx) {
		record := result.Record()
		source, _ := record.Get("source")
		target, _ := record.Get("target")
		paths = append(paths, ImpactPath{
			Source:   source.(string),
			Target:   target.(string),
			HopCount: 1,
		})
	}

	return paths, nil
}
