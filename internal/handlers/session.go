package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/services"
	"github.com/tessira/cartwright/pkg/models"
)

type SessionHandler struct {
	orchestrator *services.ChatOrchestrator
	validator    *validator.Validate
	logger       *logrus.Logger
}

func NewSessionHandler(orchestrator *services.ChatOrchestrator, logger *logrus.Logger) *SessionHandler {
	return &SessionHandler{
		orchestrator: orchestrator,
		validator:    validator.New(),
		logger:       logger,
	}
}

// Get returns the current session snapshot. Unknown ids come back as a
// fresh interview-stage session; the session store treats every id as
// live.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_SESSION_ID",
				"message": "Session id is required",
			},
		})
		return
	}

	snapshot, err := h.orchestrator.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "SESSION_LOAD_FAILED",
				"message": "Failed to load session",
			},
		})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *SessionHandler) Reset(c *gin.Context) {
	var request models.SessionResetRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Warn("Invalid JSON in session reset request")
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
		h.logger.WithError(err).Warn("Session reset validation failed")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Session reset validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	if _, err := h.orchestrator.ResetSession(c.Request.Context(), request.SessionID); err != nil {
		h.logger.WithError(err).WithField("session_id", request.SessionID).Error("Failed to reset session")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "SESSION_RESET_FAILED",
				"message": "Failed to reset session",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": request.SessionID,
		"status":     "reset",
	})
}

// Favorite marks a product as favourited on the session, deduplicated.
func (h *SessionHandler) Favorite(c *gin.Context) {
	var request models.SessionFavoriteRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Warn("Invalid JSON in session favorite request")
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
		h.logger.WithError(err).Warn("Session favorite validation failed")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Session favorite validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	state, err := h.orchestrator.AddFavorite(c.Request.Context(), request.SessionID, request.ProductID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", request.SessionID).Error("Failed to record favorite")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "SESSION_FAVORITE_FAILED",
				"message": "Failed to record favorite",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": request.SessionID,
		"favorites":  state.Favorites,
	})
}
