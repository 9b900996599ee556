package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/services"
	"github.com/tessira/cartwright/pkg/models"
)

type ChatHandler struct {
	orchestrator *services.ChatOrchestrator
	validator    *validator.Validate
	logger       *logrus.Logger
}

func NewChatHandler(orchestrator *services.ChatOrchestrator, logger *logrus.Logger) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		validator:    validator.New(),
		logger:       logger,
	}
}

// Chat runs one conversation turn. Business outcomes (questions,
// errors the user can act on) come back inside the reply envelope with
// HTTP 200; only infrastructure faults surface as 5xx.
func (h *ChatHandler) Chat(c *gin.Context) {
	var request models.ChatRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Warn("Invalid JSON in chat request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_JSON",
				"message": "Invalid JSON format",
				"details": err.Error(),
			},
		})
		return
	}

	if err := h.validator.Struct(&request); err != nil {
		h.logger.WithError(err).Warn("Chat request validation failed")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Chat request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	reply, err := h.orchestrator.Chat(c.Request.Context(), request)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", request.SessionID).Error("Chat turn failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "CHAT_TURN_FAILED",
				"message": "Something went wrong. Please try again.",
			},
		})
		return
	}

	c.JSON(http.StatusOK, reply)
}
