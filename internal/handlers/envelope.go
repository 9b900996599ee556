package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/middleware"
	"github.com/tessira/cartwright/internal/services"
	"github.com/tessira/cartwright/pkg/models"
)

// Catalog versioning is stamped by the ingest pipeline in deployment;
// the service itself reports the version it booted with.
const catalogVersion = "v1"

var processStart = time.Now().UTC()

func envelope(c *gin.Context, status models.EnvelopeStatus, data interface{}, cacheHit bool, started time.Time, constraints ...models.Constraint) models.Envelope {
	return models.Envelope{
		Status:      status,
		Data:        data,
		Constraints: constraints,
		Trace: models.EnvelopeTrace{
			RequestID: middleware.GetRequestID(c),
			CacheHit:  cacheHit,
			TimingsMS: map[string]float64{
				"total": float64(time.Since(started).Nanoseconds()) / 1e6,
			},
		},
		Version: models.EnvelopeVersion{
			CatalogVersion: catalogVersion,
			UpdatedAt:      processStart,
		},
	}
}

// respondServiceError translates the typed business errors into the
// generic envelope. Business outcomes stay 200: the request was
// well-formed, the answer just is not a product list.
func respondServiceError(c *gin.Context, logger *logrus.Logger, started time.Time, err error) {
	if followup, ok := services.AsFollowup(err); ok {
		c.JSON(http.StatusOK, envelope(c, models.StatusInvalid, nil, false, started, models.Constraint{
			Code:    models.ConstraintFollowupQuestionRequired,
			Message: followup.Question,
			Details: map[string]interface{}{
				"question":      followup.Question,
				"quick_replies": followup.QuickReplies,
				"question_id":   followup.QuestionID,
				"topic":         followup.Topic,
				"domain":        followup.Domain,
			},
		}))
		return
	}

	if invalid, ok := services.AsInvalidQuery(err); ok {
		c.JSON(http.StatusOK, envelope(c, models.StatusInvalid, nil, false, started, models.Constraint{
			Code:             models.ConstraintInvalidQuery,
			Message:          invalid.Reason,
			SuggestedActions: invalid.SuggestedActions,
		}))
		return
	}

	if noMatch, ok := services.AsNoMatches(err); ok {
		constraint := models.Constraint{
			Code:             models.ConstraintNoMatchingProducts,
			Message:          noMatch.Message,
			SuggestedActions: noMatch.SuggestedActions,
		}
		if noMatch.Relaxation != "" {
			constraint.Details = map[string]interface{}{"relaxation": noMatch.Relaxation}
		}
		c.JSON(http.StatusOK, envelope(c, models.StatusOK, []models.Product{}, false, started, constraint))
		return
	}

	if errors.Is(err, services.ErrProductNotFound) {
		c.JSON(http.StatusNotFound, envelope(c, models.StatusNotFound, nil, false, started, models.Constraint{
			Code:    models.ConstraintProductNotFound,
			Message: "No product with that id",
		}))
		return
	}

	logger.WithError(err).WithField("request_id", middleware.GetRequestID(c)).Error("Request failed")
	c.JSON(http.StatusInternalServerError, envelope(c, models.StatusInvalid, nil, false, started, models.Constraint{
		Code:    "INTERNAL_ERROR",
		Message: "Something went wrong. Please try again.",
	}))
}
