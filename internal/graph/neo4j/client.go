package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/circuitbreaker"
	"github.com/accred-agent/backend/pkg/logger"
	"github.com/accred-agent/backend/pkg/retry"
)

// Client records accepted evidence-to-standard mappings as a graph for
// cross-run analytics. Recording is best-effort; a failure never fails
// the workflow that produced the mappings.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// RecordMappings upserts Evidence and Standard nodes for a run and merges
// an EVIDENCES relationship per accepted mapping, carrying the mapping
// confidence and the institution it was observed for.
func (c *Client) RecordMappings(ctx context.Context, institutionID, accreditorID string, evidenceItems []models.EvidenceItem, standards []models.Standard, accepted []models.Mapping) error {
	evidenceByID := make(map[string]models.EvidenceItem, len(evidenceItems))
	for _, item := range evidenceItems {
		evidenceByID[item.ID] = item
	}
	standardByID := make(map[string]models.Standard, len(standards))
	for _, std := range standards {
		standardByID[std.ID] = std
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (e:Evidence {id: $evidence_id})
			SET e.title = $evidence_title,
			    e.type = $evidence_type
			MERGE (s:Standard {id: $standard_id})
			SET s.title = $standard_title,
			    s.accreditor_id = $accreditor_id
			MERGE (e)-[r:EVIDENCES]->(s)
			SET r.confidence = $confidence,
			    r.institution_id = $institution_id,
			    r.updated_at = timestamp()
		`

		for _, mapping := range accepted {
			evidence := evidenceByID[mapping.EvidenceID]
			standard := standardByID[mapping.StandardID]

			_, err := session.Run(ctx, query, map[string]interface{}{
				"evidence_id":    mapping.EvidenceID,
				"evidence_title": evidence.Title,
				"evidence_type":  evidence.Type,
				"standard_id":    mapping.StandardID,
				"standard_title": standard.Title,
				"accreditor_id":  accreditorID,
				"institution_id": institutionID,
				"confidence":     mapping.ConfidenceScore,
			})
			if err != nil {
				return fmt.Errorf("failed to record mapping: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Mapping graph recorded",
		zap.String("institution_id", institutionID),
		zap.String("accreditor_id", accreditorID),
		zap.Int("mappings", len(accepted)),
	)

	return nil
}

// StandardCoverage returns, per standard, how many distinct evidence items
// across all recorded runs support it at or above minConfidence.
func (c *Client) StandardCoverage(ctx context.Context, accreditorID string, minConfidence float64) (map[string]int, error) {
	coverage := make(map[string]int)

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (e:Evidence)-[r:EVIDENCES]->(s:Standard {accreditor_id: $accreditor_id})
			WHERE r.confidence >= $min_confidence
			RETURN s.id AS standard_id, count(DISTINCT e) AS evidence_count
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"accreditor_id":  accreditorID,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return fmt.Errorf("failed to query coverage: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			standardID, _ := record.Get("standard_id")
			count, _ := record.Get("evidence_count")

			id, ok := standardID.(string)
			if !ok {
				continue
			}
			if n, ok := count.(int64); ok {
				coverage[id] = int(n)
			}
		}

		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return coverage, nil
}
