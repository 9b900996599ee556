package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KGCandidateService pulls candidate product ids out of the knowledge
// graph by walking tag, brand and category edges from the query terms.
// It is strictly best-effort: when the graph store is absent or slow the
// caller falls back to vector and keyword retrieval.
type KGCandidateService struct {
	driver neo4j.DriverWithContext
	redis  *redis.Client
	logger *logrus.Logger

	cacheTTL time.Duration
	timeout  time.Duration
}

func NewKGCandidateService(driver neo4j.DriverWithContext, redisClient *redis.Client, cacheTTL time.Duration, logger *logrus.Logger) *KGCandidateService {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &KGCandidateService{
		driver:   driver,
		redis:    redisClient,
		logger:   logger,
		cacheTTL: cacheTTL,
		timeout:  time.Second,
	}
}

// Available reports whether graph-backed retrieval can be attempted.
func (s *KGCandidateService) Available() bool {
	return s != nil && s.driver != nil
}

// FindCandidates returns up to limit product ids related to the query
// terms within a category, ordered by how many terms each product
// matched. Results are cached for cacheTTL.
func (s *KGCandidateService) FindCandidates(ctx context.Context, category string, terms []string, limit int) ([]string, error) {
	if !s.Available() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	normalized := normalizeTerms(terms)
	if len(normalized) == 0 {
		return nil, nil
	}

	cacheKey := s.cacheKey(category, normalized, limit)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var ids []string
			if json.Unmarshal([]byte(cached), &ids) == nil {
				return ids, nil
			}
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.driver.NewSession(queryCtx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(queryCtx)

	query := `
		MATCH (p:Product)-[:HAS_TAG|MADE_BY|IN_CATEGORY]->(t)
		WHERE toLower(t.name) IN $terms
			AND ($category = '' OR p.category = $category)
		WITH p, count(DISTINCT t) AS hits
		ORDER BY hits DESC, p.product_id
		LIMIT $limit
		RETURN p.product_id AS product_id
	`
	params := map[string]interface{}{
		"terms":    normalized,
		"category": category,
		"limit":    limit,
	}

	result, err := session.ExecuteRead(queryCtx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(queryCtx, query, params)
		if err != nil {
			return nil, err
		}
		var ids []string
		for res.Next(queryCtx) {
			if v, ok := res.Record().Get("product_id"); ok {
				if id, ok := v.(string); ok {
					ids = append(ids, id)
				}
			}
		}
		return ids, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge graph candidate query failed: %w", err)
	}

	ids, _ := result.([]string)

	if s.redis != nil && len(ids) > 0 {
		if payload, err := json.Marshal(ids); err == nil {
			s.redis.Set(ctx, cacheKey, payload, s.cacheTTL)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"category": category,
		"terms":    len(normalized),
		"found":    len(ids),
	}).Debug("Knowledge graph candidates")

	return ids, nil
}

func (s *KGCandidateService) cacheKey(category string, terms []string, limit int) string {
	payload := fmt.Sprintf("%s|%s|%d", category, strings.Join(terms, ","), limit)
	return fmt.Sprintf("kg:candidates:%x", md5.Sum([]byte(payload)))
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 2 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
