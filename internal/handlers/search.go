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

type SearchHandler struct {
	search    *services.HybridSearchService
	validator *validator.Validate
	logger    *logrus.Logger
}

func NewSearchHandler(search *services.HybridSearchService, logger *logrus.Logger) *SearchHandler {
	return &SearchHandler{
		search:    search,
		validator: validator.New(),
		logger:    logger,
	}
}

// Search runs the gated hybrid search directly, without conversation
// state. Interview-gate questions, invalid queries, and empty result
// sets all come back as envelope constraints on HTTP 200.
func (h *SearchHandler) Search(c *gin.Context) {
	started := time.Now()

	var request models.SearchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Warn("Invalid JSON in search request")
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
		h.logger.WithError(err).Warn("Search request validation failed")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Search request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	result, err := h.search.Search(c.Request.Context(), request)
	if err != nil {
		respondServiceError(c, h.logger, started, err)
		return
	}

	c.JSON(http.StatusOK, envelope(c, models.StatusOK, result, result.Trace.UsedCache, started))
}
