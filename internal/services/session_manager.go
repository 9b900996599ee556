package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// SessionWarmStore is the durable tier behind the hot Redis copy. It
// survives Redis flushes and process restarts; implementations may be
// absent entirely (nil store), in which case sessions are hot-only.
type SessionWarmStore interface {
	Load(ctx context.Context, sessionID string) (*models.SessionState, error)
	Persist(ctx context.Context, state *models.SessionState) error
}

// sessionEntry serialises all work on one session id. The lock is held
// for the whole read-modify-write of a turn, so concurrent turns on the
// same session are processed one at a time.
type sessionEntry struct {
	mu        sync.Mutex
	state     *models.SessionState
	lastWarm  time.Time
	lastTouch time.Time
}

// SessionManager keeps conversation state in three tiers: an in-process
// map for the common case, Redis as the system of record (keyed
// "session:{id}" with a TTL), and an optional warm store written at most
// once per warm_write_every per session. Losing the in-process tier is
// harmless; a miss falls through to Redis and then to the warm store.
type SessionManager struct {
	config *config.ChatConfig
	logger *logrus.Logger
	hot    *redis.Client
	warm   SessionWarmStore

	mu      sync.Mutex
	entries map[string]*sessionEntry

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

const sessionIdleEviction = 15 * time.Minute

func NewSessionManager(cfg *config.ChatConfig, logger *logrus.Logger, hot *redis.Client, warm SessionWarmStore) *SessionManager {
	m := &SessionManager{
		config:   cfg,
		logger:   logger,
		hot:      hot,
		warm:     warm,
		entries:  make(map[string]*sessionEntry),
		stopChan: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.evictionWorker()

	return m
}

// Get returns a point-in-time snapshot of the session, creating a fresh
// interview-stage session when the id is unknown everywhere.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var snapshot *models.SessionState
	err := m.withSession(ctx, sessionID, func(state *models.SessionState) error {
		snapshot = cloneSessionState(state)
		return nil
	}, false)
	return snapshot, err
}

// Update runs fn against the live session state under the per-session
// lock, then persists the result to the hot tier (and, throttled, to the
// warm tier). The returned state is a snapshot taken after fn ran.
func (m *SessionManager) Update(ctx context.Context, sessionID string, fn func(state *models.SessionState) error) (*models.SessionState, error) {
	var snapshot *models.SessionState
	err := m.withSession(ctx, sessionID, func(state *models.SessionState) error {
		if err := fn(state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()
		snapshot = cloneSessionState(state)
		return nil
	}, true)
	return snapshot, err
}

// Reset clears the session back to a fresh interview state, keeping the
// id and creation time.
func (m *SessionManager) Reset(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return m.Update(ctx, sessionID, func(state *models.SessionState) error {
		state.Reset()
		return nil
	})
}

// AddFavorite records a favourited product on the session.
func (m *SessionManager) AddFavorite(ctx context.Context, sessionID, productID string) (*models.SessionState, error) {
	return m.Update(ctx, sessionID, func(state *models.SessionState) error {
		state.AddFavorite(productID)
		return nil
	})
}

func (m *SessionManager) withSession(ctx context.Context, sessionID string, fn func(*models.SessionState) error, persist bool) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	entry := m.entry(sessionID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == nil {
		state, err := m.load(ctx, sessionID)
		if err != nil {
			return err
		}
		entry.state = state
	}
	entry.lastTouch = time.Now()

	if err := fn(entry.state); err != nil {
		return err
	}

	if persist {
		m.persist(ctx, entry)
	}
	return nil
}

func (m *SessionManager) entry(sessionID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &sessionEntry{lastTouch: time.Now()}
		m.entries[sessionID] = e
	}
	return e
}

// load hydrates a session: Redis first, then the warm store, then a
// fresh state. Corrupt hot payloads are treated as misses.
func (m *SessionManager) load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if m.hot != nil {
		raw, err := m.hot.Get(ctx, sessionKey(sessionID)).Result()
		if err == nil {
			var state models.SessionState
			if jsonErr := json.Unmarshal([]byte(raw), &state); jsonErr == nil && state.ID == sessionID {
				return &state, nil
			}
			m.logger.WithField("session_id", sessionID).Warn("Discarding corrupt hot session payload")
		} else if err != redis.Nil {
			m.logger.WithError(err).WithField("session_id", sessionID).Warn("Hot session read failed")
		}
	}

	if m.warm != nil {
		state, err := m.warm.Load(ctx, sessionID)
		if err == nil && state != nil {
			m.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"domain":     state.ActiveDomain,
			}).Info("Hydrated session from warm store")
			return state, nil
		}
		if err != nil && err != ErrSessionNotFound {
			m.logger.WithError(err).WithField("session_id", sessionID).Warn("Warm session load failed")
		}
	}

	return models.NewSessionState(sessionID), nil
}

func (m *SessionManager) persist(ctx context.Context, entry *sessionEntry) {
	state := entry.state

	if m.hot != nil {
		payload, err := json.Marshal(state)
		if err != nil {
			m.logger.WithError(err).WithField("session_id", state.ID).Error("Failed to serialise session")
		} else if err := m.hot.Set(ctx, sessionKey(state.ID), payload, m.sessionTTL()).Err(); err != nil {
			m.logger.WithError(err).WithField("session_id", state.ID).Error("Failed to write hot session")
		}
	}

	if m.warm == nil {
		return
	}
	if time.Since(entry.lastWarm) < m.warmWriteEvery() {
		return
	}
	entry.lastWarm = time.Now()

	snapshot := cloneSessionState(state)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.warm.Persist(writeCtx, snapshot); err != nil {
			m.logger.WithError(err).WithField("session_id", snapshot.ID).Warn("Warm session write failed")
		}
	}()
}

func (m *SessionManager) sessionTTL() time.Duration {
	if m.config != nil && m.config.SessionTTL > 0 {
		return m.config.SessionTTL
	}
	return 24 * time.Hour
}

func (m *SessionManager) warmWriteEvery() time.Duration {
	if m.config != nil && m.config.WarmWriteEvery > 0 {
		return m.config.WarmWriteEvery
	}
	return 30 * time.Second
}

// evictionWorker drops idle in-process entries. Redis keeps the real
// copy, so eviction only costs the next turn a hot-tier read.
func (m *SessionManager) evictionWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopChan:
			return
		}
	}
}

func (m *SessionManager) evictIdle() {
	cutoff := time.Now().Add(-sessionIdleEviction)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.entries {
		if !entry.mu.TryLock() {
			continue
		}
		if entry.lastTouch.Before(cutoff) {
			delete(m.entries, id)
		}
		entry.mu.Unlock()
	}
}

// Stop halts background work and waits for in-flight warm writes.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func cloneSessionState(state *models.SessionState) *models.SessionState {
	payload, err := json.Marshal(state)
	if err != nil {
		copied := *state
		return &copied
	}
	var clone models.SessionState
	if err := json.Unmarshal(payload, &clone); err != nil {
		copied := *state
		return &copied
	}
	return &clone
}

// Neo4jSessionMemory persists the durable slice of a session as a
// SessionMemory node keyed by session id. Conversation history stays in
// the hot tier only; filter maps are stored as JSON strings because the
// graph store rejects nested map properties.
type Neo4jSessionMemory struct {
	driver neo4j.DriverWithContext
	logger *logrus.Logger
}

func NewNeo4jSessionMemory(driver neo4j.DriverWithContext, logger *logrus.Logger) *Neo4jSessionMemory {
	return &Neo4jSessionMemory{driver: driver, logger: logger}
}

func (s *Neo4jSessionMemory) Persist(ctx context.Context, state *models.SessionState) error {
	explicitJSON, err := json.Marshal(state.ExplicitFilters)
	if err != nil {
		return fmt.Errorf("failed to serialise explicit filters: %w", err)
	}
	agentJSON, err := json.Marshal(state.AgentFilters)
	if err != nil {
		return fmt.Errorf("failed to serialise agent filters: %w", err)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (sm:SessionMemory {session_id: $session_id})
		SET sm.active_domain = $active_domain,
			sm.stage = $stage,
			sm.explicit_filters = $explicit_filters,
			sm.agent_filters = $agent_filters,
			sm.questions_asked = $questions_asked,
			sm.question_count = $question_count,
			sm.last_recommendation_ids = $last_recommendation_ids,
			sm.favorites = $favorites,
			sm.session_intent = $session_intent,
			sm.step_intent = $step_intent,
			sm.updated_at = datetime($updated_at),
			sm.created_at = coalesce(sm.created_at, datetime($created_at))
	`
	params := map[string]interface{}{
		"session_id":              state.ID,
		"active_domain":           state.ActiveDomain,
		"stage":                   string(state.Stage),
		"explicit_filters":        string(explicitJSON),
		"agent_filters":           string(agentJSON),
		"questions_asked":         state.QuestionsAsked,
		"question_count":          state.QuestionCount,
		"last_recommendation_ids": state.LastRecommendationIDs,
		"favorites":               state.Favorites,
		"session_intent":          string(state.SessionIntent),
		"step_intent":             string(state.StepIntent),
		"updated_at":              state.UpdatedAt.UTC().Format(time.RFC3339),
		"created_at":              state.CreatedAt.UTC().Format(time.RFC3339),
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to persist session memory: %w", err)
	}
	return nil
}

func (s *Neo4jSessionMemory) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (sm:SessionMemory {session_id: $session_id})
		RETURN sm.active_domain AS active_domain,
			sm.stage AS stage,
			sm.explicit_filters AS explicit_filters,
			sm.agent_filters AS agent_filters,
			sm.questions_asked AS questions_asked,
			sm.question_count AS question_count,
			sm.last_recommendation_ids AS last_recommendation_ids,
			sm.favorites AS favorites,
			sm.session_intent AS session_intent,
			sm.step_intent AS step_intent
	`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, query, map[string]interface{}{"session_id": sessionID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, ErrSessionNotFound
		}
		return res.Record(), nil
	})
	if err != nil {
		if err == ErrSessionNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session memory: %w", err)
	}

	record, ok := result.(*neo4j.Record)
	if !ok {
		return nil, fmt.Errorf("unexpected session memory record type")
	}

	state := models.NewSessionState(sessionID)
	if v, ok := record.Get("active_domain"); ok {
		if s, ok := v.(string); ok {
			state.ActiveDomain = s
		}
	}
	if v, ok := record.Get("stage"); ok {
		if s, ok := v.(string); ok && s != "" {
			state.Stage = models.SessionStage(s)
		}
	}
	if v, ok := record.Get("explicit_filters"); ok {
		if raw, ok := v.(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &state.ExplicitFilters)
		}
	}
	if v, ok := record.Get("agent_filters"); ok {
		if raw, ok := v.(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &state.AgentFilters)
		}
	}
	if v, ok := record.Get("questions_asked"); ok {
		state.QuestionsAsked = neo4jStringList(v)
	}
	if v, ok := record.Get("question_count"); ok {
		if n, ok := v.(int64); ok {
			state.QuestionCount = int(n)
		}
	}
	if v, ok := record.Get("last_recommendation_ids"); ok {
		state.LastRecommendationIDs = neo4jStringList(v)
	}
	if v, ok := record.Get("favorites"); ok {
		state.Favorites = neo4jStringList(v)
	}
	if v, ok := record.Get("session_intent"); ok {
		if s, ok := v.(string); ok && s != "" {
			state.SessionIntent = models.SessionIntent(s)
		}
	}
	if v, ok := record.Get("step_intent"); ok {
		if s, ok := v.(string); ok && s != "" {
			state.StepIntent = models.StepIntent(s)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"stage":      state.Stage,
	}).Debug("Loaded session memory")

	return state, nil
}

func neo4jStringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
