package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/services"
	"github.com/tessira/cartwright/pkg/models"
)

type RecommendHandler struct {
	orchestrator *services.ChatOrchestrator
	validator    *validator.Validate
	logger       *logrus.Logger
}

func NewRecommendHandler(orchestrator *services.ChatOrchestrator, logger *logrus.Logger) *RecommendHandler {
	return &RecommendHandler{
		orchestrator: orchestrator,
		validator:    validator.New(),
		logger:       logger,
	}
}

// Recommend ranks the catalog directly from filters and preferences,
// without a conversation. The response is the generic envelope.
func (h *RecommendHandler) Recommend(c *gin.Context) {
	started := time.Now()

	request, ok := h.bindRequest(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.Recommend(c.Request.Context(), *request)
	if err != nil {
		respondServiceError(c, h.logger, started, err)
		return
	}

	c.JSON(http.StatusOK, envelope(c, models.StatusOK, result, false, started))
}

// Compare runs both ranking methods over the same candidate pool.
func (h *RecommendHandler) Compare(c *gin.Context) {
	started := time.Now()

	request, ok := h.bindRequest(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.CompareMethods(c.Request.Context(), *request)
	if err != nil {
		respondServiceError(c, h.logger, started, err)
		return
	}

	c.JSON(http.StatusOK, envelope(c, models.StatusOK, result, false, started))
}

func (h *RecommendHandler) bindRequest(c *gin.Context) (*models.RecommendRequest, bool) {
	var request models.RecommendRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Warn("Invalid JSON in recommend request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_JSON",
				"message": "Invalid JSON format",
				"details": err.Error(),
			},
		})
		return nil, false
	}

	if err := h.validator.Struct(&request); err != nil {
		h.logger.WithError(err).Warn("Recommend request validation failed")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Recommend request validation failed",
				"details": err.Error(),
			},
		})
		return nil, false
	}

	return &request, true
}
