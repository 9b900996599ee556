package services

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/database"
)

type HealthService struct {
	config *config.Config
	logger *logrus.Logger
	db     *database.Database

	mu         sync.RWMutex
	components map[string]*ComponentStatus

	// Prometheus metrics
	healthCheckStatus   *prometheus.GaugeVec
	lastHealthCheck     *prometheus.GaugeVec
	componentReady      *prometheus.GaugeVec
	systemMetrics       *prometheus.GaugeVec
	dbConnectionMetrics *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Latency     time.Duration          `json:"latency,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// ComponentStatus tracks one preloaded component: the vector index,
// the phrase store, the text encoder, and the warmed DB pool.
type ComponentStatus struct {
	Name     string    `json:"name"`
	Ready    bool      `json:"ready"`
	LoadMS   float64   `json:"load_ms"`
	Detail   string    `json:"detail,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
}

// StatusReport is the /status payload: preload state plus the
// effective pipeline configuration.
type StatusReport struct {
	Timestamp  time.Time              `json:"timestamp"`
	Components []ComponentStatus      `json:"components"`
	Config     map[string]interface{} `json:"config"`
}

func NewHealthService(cfg *config.Config, logger *logrus.Logger, db *database.Database) *HealthService {
	hs := &HealthService{
		config:     cfg,
		logger:     logger,
		db:         db,
		components: make(map[string]*ComponentStatus),
	}

	hs.healthCheckStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Health check status (1 = healthy, 0 = unhealthy)",
	}, []string{"service"})

	hs.lastHealthCheck = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_timestamp",
		Help: "Timestamp of last health check",
	}, []string{"service"})

	hs.componentReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "preload_component_ready",
		Help: "Preloaded component readiness (1 = ready)",
	}, []string{"component"})

	hs.systemMetrics = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_info",
		Help: "System information metrics",
	}, []string{"metric_type"})

	hs.dbConnectionMetrics = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "database_connection_pool_usage",
		Help: "Database connection pool usage percentage",
	}, []string{"database", "state"})

	// Register metrics with error handling - ignore if already registered
	for name, collector := range map[string]prometheus.Collector{
		"health_check_status":            hs.healthCheckStatus,
		"health_check_timestamp":         hs.lastHealthCheck,
		"preload_component_ready":        hs.componentReady,
		"system_info":                    hs.systemMetrics,
		"database_connection_pool_usage": hs.dbConnectionMetrics,
	} {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warnf("Failed to register %s metric", name)
			}
		}
	}

	// Start background metrics collection
	go hs.collectSystemMetrics()
	go hs.collectDatabaseMetrics()

	return hs
}

// SetComponentReady records the outcome of one preload step.
func (s *HealthService) SetComponentReady(name string, elapsed time.Duration, err error) {
	status := &ComponentStatus{
		Name:     name,
		Ready:    err == nil,
		LoadMS:   float64(elapsed.Nanoseconds()) / 1e6,
		LoadedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Detail = err.Error()
	}

	s.mu.Lock()
	s.components[name] = status
	s.mu.Unlock()

	ready := 0.0
	if status.Ready {
		ready = 1.0
	}
	s.componentReady.WithLabelValues(name).Set(ready)

	entry := s.logger.WithFields(logrus.Fields{
		"component": name,
		"load_ms":   status.LoadMS,
	})
	if err != nil {
		entry.WithError(err).Warn("Component preload failed")
	} else {
		entry.Info("Component preloaded")
	}
}

// Status builds the /status payload.
func (s *HealthService) Status() *StatusReport {
	s.mu.RLock()
	components := make([]ComponentStatus, 0, len(s.components))
	for _, c := range s.components {
		components = append(components, *c)
	}
	s.mu.RUnlock()

	return &StatusReport{
		Timestamp:  time.Now().UTC(),
		Components: components,
		Config: map[string]interface{}{
			"max_questions":          s.config.Chat.MaxQuestions,
			"method":                 s.config.Recommendation.Method,
			"n_rows":                 s.config.Recommendation.NRows,
			"n_per_row":              s.config.Recommendation.NPerRow,
			"latency_target_ms":      s.config.Recommendation.LatencyTargetMS,
			"coverage_risk_mode":     s.config.Recommendation.CoverageRisk.Mode,
			"mmr_diversification":    s.config.Recommendation.Ablation.UseMMRDiversification,
			"entropy_bucketing":      s.config.Recommendation.Ablation.UseEntropyBucketing,
			"progressive_relaxation": s.config.Recommendation.Ablation.UseProgressiveRelaxation,
			"entropy_questions":      s.config.Recommendation.Ablation.UseEntropyQuestions,
			"cents_everywhere":       s.config.Chat.CentsEverywhere,
		},
	}
}

func (s *HealthService) CheckHealth() *HealthStatus {
	status := &HealthStatus{
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	// Critical dependencies
	criticalServices := map[string]func() error{
		"postgresql": s.checkPostgreSQL,
		"redis_hot":  s.checkRedisHot,
	}

	// Non-critical dependencies
	nonCriticalServices := map[string]func() error{
		"neo4j":      s.checkNeo4j,
		"redis_warm": s.checkRedisWarm,
	}

	allCriticalHealthy := true
	for name, checkFunc := range criticalServices {
		if err := checkFunc(); err != nil {
			status.Services[name] = "unhealthy"
			status.Critical = append(status.Critical, name)
			allCriticalHealthy = false
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	for name, checkFunc := range nonCriticalServices {
		if err := checkFunc(); err != nil {
			status.Services[name] = "unhealthy"
			status.NonCritical = append(status.NonCritical, name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", name)
			s.UpdateHealthMetrics(name, false)
		} else {
			status.Services[name] = "healthy"
			s.UpdateHealthMetrics(name, true)
		}
	}

	if allCriticalHealthy {
		if len(status.NonCritical) == 0 {
			status.Status = "healthy"
		} else {
			status.Status = "degraded"
		}
	} else {
		status.Status = "unhealthy"
	}

	return status
}

func (s *HealthService) checkPostgreSQL() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.db.PG.Ping(ctx)
}

// checkNeo4j tolerates the graph store being absent: session memory
// and KG candidates are optional.
func (s *HealthService) checkNeo4j() error {
	if s.db.Neo4j == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.db.Neo4j.VerifyConnectivity(ctx)
}

func (s *HealthService) checkRedisHot() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.db.Redis.Hot.Ping(ctx).Err()
}

func (s *HealthService) checkRedisWarm() error {
	if s.db.Redis.Warm == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.db.Redis.Warm.Ping(ctx).Err()
}

// collectSystemMetrics collects system-level metrics
func (s *HealthService) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var memStats runtime.MemStats

	for range ticker.C {
		runtime.ReadMemStats(&memStats)

		s.systemMetrics.WithLabelValues("memory_alloc_bytes").Set(float64(memStats.Alloc))
		s.systemMetrics.WithLabelValues("memory_sys_bytes").Set(float64(memStats.Sys))
		s.systemMetrics.WithLabelValues("goroutines_count").Set(float64(runtime.NumGoroutine()))
		s.systemMetrics.WithLabelValues("gc_runs_total").Set(float64(memStats.NumGC))

		if len(memStats.PauseNs) > 0 {
			lastPause := memStats.PauseNs[(memStats.NumGC+255)%256]
			s.systemMetrics.WithLabelValues("gc_pause_ns").Set(float64(lastPause))
		}
	}
}

// collectDatabaseMetrics collects database connection metrics
func (s *HealthService) collectDatabaseMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if s.db != nil && s.db.PG != nil {
			stats := s.db.PG.Stat()

			s.dbConnectionMetrics.WithLabelValues("postgresql", "acquired_conns").Set(float64(stats.AcquiredConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "constructing_conns").Set(float64(stats.ConstructingConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "idle_conns").Set(float64(stats.IdleConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "max_conns").Set(float64(stats.MaxConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "total_conns").Set(float64(stats.TotalConns()))

			if stats.MaxConns() > 0 {
				usage := float64(stats.AcquiredConns()) / float64(stats.MaxConns()) * 100
				s.dbConnectionMetrics.WithLabelValues("postgresql", "usage_percent").Set(usage)
			}
		}
	}
}

// UpdateHealthMetrics updates health check metrics
func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}
