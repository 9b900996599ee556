package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/services"
)

type Handlers struct {
	Chat      *ChatHandler
	Session   *SessionHandler
	Search    *SearchHandler
	Recommend *RecommendHandler
	Health    *HealthHandler
}

func New(logger *logrus.Logger, services *services.Services) *Handlers {
	return &Handlers{
		Chat:      NewChatHandler(services.Chat, logger),
		Session:   NewSessionHandler(services.Chat, logger),
		Search:    NewSearchHandler(services.HybridSearch, logger),
		Recommend: NewRecommendHandler(services.Chat, logger),
		Health:    NewHealthHandler(logger, services.Health),
	}
}
