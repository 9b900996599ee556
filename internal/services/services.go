package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/database"
	"github.com/tessira/cartwright/internal/llm"
	"github.com/tessira/cartwright/internal/ml"
	"github.com/tessira/cartwright/internal/validation"
)

type Services struct {
	Auth      *AuthService
	Health    *HealthService
	RateLimit *RateLimitService

	Validator *validation.SchemaValidator
	LLM       *llm.Client

	SchemaRegistry *SchemaRegistry
	QueryParser    *QueryParser
	Entropy        *EntropyAnalyzer
	Bucketer       *Bucketer
	FilterRelaxer  *FilterRelaxer

	TextEncoder *ml.TextEncoder
	VectorIndex *ml.VectorIndex
	Embeddings  *DenseEmbeddingStore
	Phrases     *PhraseStore

	Catalog      *CatalogService
	KGCandidates *KGCandidateService
	Sessions     *SessionManager

	CoverageRisk        *CoverageRiskRanker
	EmbeddingSimilarity *EmbeddingSimilarityRanker
	HybridSearch        *HybridSearchService

	Agent        *UniversalAgent
	IntentRouter *IntentRouter
	Narrator     *ComparisonNarrator
	Metrics      *PipelineMetrics
	Chat         *ChatOrchestrator

	config *config.Config
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database) (*Services, error) {
	authService := NewAuthService(cfg, logger)
	healthService := NewHealthService(cfg, logger, db)
	rateLimitService := NewRateLimitService(cfg, logger, db.Redis.Hot)

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	llmClient := llm.New(cfg.LLM, validator, logger)

	// Stateless pipeline pieces
	registry := NewSchemaRegistry(logger)
	parser := NewQueryParser(logger)
	entropy := NewEntropyAnalyzer(0, logger)
	bucketer := NewBucketer(logger)
	relaxer := NewFilterRelaxer(logger)

	// Embedding stack
	encoder := ml.NewTextEncoder(ml.TextEncoderConfig{
		ModelName:  cfg.Models.TextEmbedding.ModelName,
		Dimensions: cfg.Models.TextEmbedding.Dimensions,
		BatchSize:  cfg.Models.TextEmbedding.BatchSize,
		CacheTTL:   cfg.Recommendation.Caching.EmbeddingTTL,
	}, db.Redis.Hot, logger)
	vectorIndex := ml.NewVectorIndex(encoder, logger)
	embeddings := NewDenseEmbeddingStore(vectorIndex, encoder, logger)
	phrases := NewPhraseStore(cfg.Data.PhraseEmbeddingDir, encoder, logger)

	// Storage
	catalog := NewCatalogService(db.PG, db.Redis.Hot, cfg.Recommendation.Caching, logger)
	kgCandidates := NewKGCandidateService(db.Neo4j, db.Redis.Hot, cfg.Recommendation.Caching.SearchTTL, logger)

	// Sessions: hot tier in Redis, durable slice in Neo4j when present
	var warmStore SessionWarmStore
	if db.Neo4j != nil {
		warmStore = NewNeo4jSessionMemory(db.Neo4j, logger)
	}
	sessions := NewSessionManager(&cfg.Chat, logger, db.Redis.Hot, warmStore)

	// Ranking
	coverage := NewCoverageRiskRanker(phrases, encoder, cfg.Recommendation.CoverageRisk, logger)
	embeddingRanker := NewEmbeddingSimilarityRanker(
		embeddings, cfg.Recommendation.EmbeddingSimilarity,
		cfg.Recommendation.Ablation.UseMMRDiversification, logger,
	)

	hybridSearch := NewHybridSearchService(
		parser, registry, catalog, kgCandidates, embeddings, relaxer,
		sessions, db.Redis.Hot, &cfg.Recommendation, &cfg.Chat, logger,
	)

	// Conversation
	agent := NewUniversalAgent(registry, llmClient, entropy, &cfg.Chat, &cfg.Recommendation, logger)
	intentRouter := NewIntentRouter(registry, llmClient, logger)
	narrator := NewComparisonNarrator(llmClient, logger)
	metrics := NewPipelineMetrics(logger)

	chat := NewChatOrchestrator(
		sessions, agent, intentRouter, narrator, hybridSearch,
		coverage, embeddingRanker, entropy, bucketer, registry, parser,
		metrics, &cfg.Chat, &cfg.Recommendation, logger,
	)

	return &Services{
		Auth:      authService,
		Health:    healthService,
		RateLimit: rateLimitService,

		Validator: validator,
		LLM:       llmClient,

		SchemaRegistry: registry,
		QueryParser:    parser,
		Entropy:        entropy,
		Bucketer:       bucketer,
		FilterRelaxer:  relaxer,

		TextEncoder: encoder,
		VectorIndex: vectorIndex,
		Embeddings:  embeddings,
		Phrases:     phrases,

		Catalog:      catalog,
		KGCandidates: kgCandidates,
		Sessions:     sessions,

		CoverageRisk:        coverage,
		EmbeddingSimilarity: embeddingRanker,
		HybridSearch:        hybridSearch,

		Agent:        agent,
		IntentRouter: intentRouter,
		Narrator:     narrator,
		Metrics:      metrics,
		Chat:         chat,

		config: cfg,
	}, nil
}

// Preload warms the heavyweight read paths before the server accepts
// traffic: the dense vector index, the per-vehicle phrase matrices, a
// first encoder pass, and the catalog pool. Steps run concurrently and
// each outcome lands in the health service for /status. Failures are
// not fatal; the affected pipeline stages degrade individually.
func (s *Services) Preload(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		err := s.VectorIndex.Load(s.config.Data.VectorIndexPath)
		s.Health.SetComponentReady("vector_index", time.Since(start), err)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		_, err := s.TextEncoder.Encode(ctx, "warmup")
		s.Health.SetComponentReady("text_encoder", time.Since(start), err)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		keys, err := s.Catalog.ListVehicleMMYs(ctx)
		s.Health.SetComponentReady("database", time.Since(start), err)

		// Phrase matrices are keyed by vehicle model year, so this
		// step rides on the catalog listing.
		phraseStart := time.Now()
		if err == nil {
			err = s.Phrases.Preload(ctx, keys)
		}
		s.Health.SetComponentReady("phrase_store", time.Since(phraseStart), err)
	}()

	wg.Wait()
}

// Stop shuts down background workers. Safe to call once during
// graceful shutdown.
func (s *Services) Stop() {
	s.Sessions.Stop()
	s.TextEncoder.Stop()
}
