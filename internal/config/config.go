package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Neo4j          Neo4jConfig          `mapstructure:"neo4j"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Chat           ChatConfig           `mapstructure:"chat"`
	Recommendation RecommendationConfig `mapstructure:"recommendation"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Data           DataConfig           `mapstructure:"data"`
	Models         ModelConfig          `mapstructure:"models"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Security       SecurityConfig       `mapstructure:"security"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Hot  RedisInstanceConfig `mapstructure:"hot"`
	Warm RedisInstanceConfig `mapstructure:"warm"`
}

type RedisInstanceConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Neo4jConfig is optional. An empty URL disables the knowledge graph
// and session-memory features without failing startup.
type Neo4jConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  struct {
		CatalogEvents string `mapstructure:"catalog_events"`
	} `mapstructure:"topics"`
}

type AuthConfig struct {
	JWTSecret string          `mapstructure:"jwt_secret"`
	Required  bool            `mapstructure:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Default int           `mapstructure:"default"`
	Premium int           `mapstructure:"premium"`
	Window  time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ChatConfig bounds the interview loop.
type ChatConfig struct {
	MaxQuestions    int           `mapstructure:"max_questions"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	WarmWriteEvery  time.Duration `mapstructure:"warm_write_every"`
	CentsEverywhere bool          `mapstructure:"cents_everywhere"`
}

type RecommendationConfig struct {
	Method              string                    `mapstructure:"method"`
	NRows               int                       `mapstructure:"n_rows"`
	NPerRow             int                       `mapstructure:"n_per_row"`
	LatencyTargetMS     int                       `mapstructure:"latency_target_ms"`
	CoverageRisk        CoverageRiskConfig        `mapstructure:"coverage_risk"`
	EmbeddingSimilarity EmbeddingSimilarityConfig `mapstructure:"embedding_similarity"`
	Ablation            AblationConfig            `mapstructure:"ablation"`
	Caching             CachingConfig             `mapstructure:"caching"`
}

type CoverageRiskConfig struct {
	LambdaRisk float64 `mapstructure:"lambda_risk"`
	Mode       string  `mapstructure:"mode"`
	Tau        float64 `mapstructure:"tau"`
	Alpha      float64 `mapstructure:"alpha"`
	Rho        float64 `mapstructure:"rho"`
}

type EmbeddingSimilarityConfig struct {
	LambdaParam   float64 `mapstructure:"lambda_param"`
	ClusterSize   int     `mapstructure:"cluster_size"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
}

// AblationConfig turns individual pipeline stages off for experiments.
type AblationConfig struct {
	UseMMRDiversification    bool `mapstructure:"use_mmr_diversification"`
	UseEntropyBucketing      bool `mapstructure:"use_entropy_bucketing"`
	UseProgressiveRelaxation bool `mapstructure:"use_progressive_relaxation"`
	UseEntropyQuestions      bool `mapstructure:"use_entropy_questions"`
}

type CachingConfig struct {
	SearchTTL    time.Duration `mapstructure:"search_ttl"`
	ProductTTL   time.Duration `mapstructure:"product_ttl"`
	EmbeddingTTL time.Duration `mapstructure:"embedding_ttl"`
}

type LLMConfig struct {
	BaseURL                string        `mapstructure:"base_url"`
	APIKey                 string        `mapstructure:"api_key"`
	SemanticParserModel    string        `mapstructure:"semantic_parser_model"`
	QuestionGeneratorModel string        `mapstructure:"question_generator_model"`
	Temperature            float64       `mapstructure:"temperature"`
	Timeout                time.Duration `mapstructure:"timeout"`
	MaxRetries             int           `mapstructure:"max_retries"`
}

type DataConfig struct {
	VectorIndexPath    string `mapstructure:"vector_index_path"`
	PhraseEmbeddingDir string `mapstructure:"phrase_embedding_dir"`
}

type ModelConfig struct {
	TextEmbedding ModelInstanceConfig `mapstructure:"text_embedding"`
}

type ModelInstanceConfig struct {
	ModelName  string `mapstructure:"model_name"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	setDefaults()

	// Environment variable overrides
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "development")

	// Database defaults
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_time", "15m")
	viper.SetDefault("database.max_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	viper.SetDefault("redis.hot.max_retries", 3)
	viper.SetDefault("redis.hot.pool_size", 10)
	viper.SetDefault("redis.hot.timeout", "1s")
	viper.SetDefault("redis.warm.max_retries", 3)
	viper.SetDefault("redis.warm.pool_size", 5)
	viper.SetDefault("redis.warm.timeout", "1s")

	// Kafka defaults
	viper.SetDefault("kafka.group_id", "cartwright-catalog")
	viper.SetDefault("kafka.topics.catalog_events", "catalog-events")

	// Auth defaults
	viper.SetDefault("auth.required", false)
	viper.SetDefault("auth.rate_limit.default", 1000)
	viper.SetDefault("auth.rate_limit.premium", 10000)
	viper.SetDefault("auth.rate_limit.window", "1h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Chat defaults
	viper.SetDefault("chat.max_questions", 3)
	viper.SetDefault("chat.session_ttl", "1h")
	viper.SetDefault("chat.warm_write_every", "30s")
	viper.SetDefault("chat.cents_everywhere", false)

	// Recommendation defaults
	viper.SetDefault("recommendation.method", "coverage_risk")
	viper.SetDefault("recommendation.n_rows", 3)
	viper.SetDefault("recommendation.n_per_row", 3)
	viper.SetDefault("recommendation.latency_target_ms", 400)
	viper.SetDefault("recommendation.coverage_risk.lambda_risk", 0.5)
	viper.SetDefault("recommendation.coverage_risk.mode", "sum")
	viper.SetDefault("recommendation.coverage_risk.tau", 0.5)
	viper.SetDefault("recommendation.coverage_risk.alpha", 1.0)
	viper.SetDefault("recommendation.coverage_risk.rho", 1.0)
	viper.SetDefault("recommendation.embedding_similarity.lambda_param", 0.85)
	viper.SetDefault("recommendation.embedding_similarity.cluster_size", 3)
	viper.SetDefault("recommendation.embedding_similarity.min_similarity", 0.4)
	viper.SetDefault("recommendation.ablation.use_mmr_diversification", true)
	viper.SetDefault("recommendation.ablation.use_entropy_bucketing", true)
	viper.SetDefault("recommendation.ablation.use_progressive_relaxation", true)
	viper.SetDefault("recommendation.ablation.use_entropy_questions", true)

	// Caching defaults
	viper.SetDefault("recommendation.caching.search_ttl", "1h")
	viper.SetDefault("recommendation.caching.product_ttl", "1h")
	viper.SetDefault("recommendation.caching.embedding_ttl", "24h")

	// LLM defaults
	viper.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("llm.semantic_parser_model", "openai/gpt-4o-mini")
	viper.SetDefault("llm.question_generator_model", "openai/gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.timeout", "5s")
	viper.SetDefault("llm.max_retries", 2)

	// Data defaults
	viper.SetDefault("data.vector_index_path", "./data/index/all-MiniLM-L6-v2.v1.idx")
	viper.SetDefault("data.phrase_embedding_dir", "./data/phrases")

	// Model defaults
	viper.SetDefault("models.text_embedding.model_name", "all-MiniLM-L6-v2")
	viper.SetDefault("models.text_embedding.dimensions", 384)
	viper.SetDefault("models.text_embedding.batch_size", 128)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	viper.SetDefault("security.cors.allowed_origins", []string{"*"})
	viper.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("security.cors.allowed_headers", []string{"*"})
}
