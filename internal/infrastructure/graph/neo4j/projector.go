package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
)

// Entity is a node a document mentions.
type Entity struct {
	Kind string
	Name string
}

type queryRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) error
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r driverRunner) Run(ctx context.Context, cypher string, params map[string]any) error {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if r.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(r.database))
	}
	_, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	return err
}

// Projector mirrors completed analyses into a document/entity graph.
type Projector struct {
	driver neo4j.DriverWithContext
	runner queryRunner
}

func Connect(ctx context.Context, uri, user, password, database string) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Projector{driver: driver, runner: driverRunner{driver: driver, database: database}}, nil
}

func (p *Projector) Close(ctx context.Context) error {
	if p.driver == nil {
		return nil
	}
	return p.driver.Close(ctx)
}

const projectCypher = `
MERGE (d:Document {id: $id})
SET d.filename = $filename, d.category = $category, d.risk_label = $risk_label,
	d.risk_score = $risk_score, d.job_id = $job_id, d.analyzed_at = $completed_at
WITH d
OPTIONAL MATCH (d)-[old:MENTIONS]->()
DELETE old
WITH DISTINCT d
UNWIND $entities AS e
MERGE (n:Entity {kind: e.kind, name: e.name})
MERGE (d)-[:MENTIONS]->(n)
`

// Export replaces the document's MENTIONS edges with the entities found in
// result.
func (p *Projector) Export(ctx context.Context, doc *domain.Document, result *domain.AnalysisResult) error {
	if doc == nil || result == nil {
		return nil
	}
	entities := entitiesFromResult(result)
	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, map[string]any{"kind": e.Kind, "name": e.Name})
	}
	params := map[string]any{
		"id":           doc.ID,
		"filename":     doc.Filename,
		"category":     categoryOf(result),
		"risk_label":   string(result.Risk.Label),
		"risk_score":   result.Risk.Score,
		"job_id":       result.JobID,
		"completed_at": result.CompletedAt.UTC().Format(time.RFC3339Nano),
		"entities":     rows,
	}
	if err := p.runner.Run(ctx, projectCypher, params); err != nil {
		return fmt.Errorf("project analysis to graph: %w", err)
	}
	return nil
}

func categoryOf(result *domain.AnalysisResult) string {
	sr, ok := result.Stage(domain.StageCategorization)
	if !ok {
		return ""
	}
	var payload stage.CategorizationPayload
	if err := json.Unmarshal(sr.Payload, &payload); err != nil {
		return ""
	}
	return payload.PrimaryCategory
}

// entitiesFromResult collects people, organizations and risk factors,
// de-duplicated case-insensitively and sorted by kind then name.
func entitiesFromResult(result *domain.AnalysisResult) []Entity {
	seen := make(map[string]struct{})
	var out []Entity
	add := func(kind, name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := kind + "|" + strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Entity{Kind: kind, Name: name})
	}

	if sr, ok := result.Stage(domain.StageInsights); ok {
		var payload stage.InsightsPayload
		if err := json.Unmarshal(sr.Payload, &payload); err == nil {
			for _, p := range payload.People {
				add("person", p)
			}
			for _, o := range payload.Organizations {
				add("organization", o)
			}
		}
	}
	for _, f := range result.Risk.Factors {
		add("risk_factor", f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
