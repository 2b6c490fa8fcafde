package httpx

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// Machine-readable codes in error bodies.
const (
	CodeListingLimit      = "LISTING_LIMIT_REACHED"
	CodeMissingUsername   = "MISSING_USERNAME"
	CodeValidation        = "VALIDATION_FAILED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeStaleWrite        = "STALE_WRITE"
	CodeRateLimited       = "RATE_LIMITED"
)

// HTTPError is the body of every error response. Code, when present, is
// stable for clients to branch on.
// swagger:model
type HTTPError struct {
	// example: listing limit reached (10 of 10)
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteError renders err and aborts the handler chain.
func WriteError(c *gin.Context, err error) {
	var (
		limit *apperr.LimitError
		trans *apperr.TransitionError
		valid *apperr.ValidationError
	)
	switch {
	case errors.As(err, &limit):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":           err.Error(),
			"code":            CodeListingLimit,
			"currentListings": limit.Current,
			"maxListings":     limit.Max,
			"upgradeRequired": true,
			"upgradeHint":     limit.UpgradeHint,
		})
	case errors.Is(err, apperr.ErrMissingUsername):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "set a username before listing items", "code": CodeMissingUsername})
	case errors.As(err, &valid):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeValidation, "field": valid.Field})
	case errors.Is(err, apperr.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeValidation})
	case errors.Is(err, apperr.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &trans):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"code":  CodeInvalidTransition,
			"from":  trans.From,
			"to":    trans.To,
		})
	case errors.Is(err, apperr.ErrStaleWrite):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "concurrent update, try again", "code": CodeStaleWrite})
	case errors.Is(err, apperr.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "code": CodeRateLimited})
	default:
		rid, _ := c.Get(ridKey)
		log.Printf("[http] rid=%v %s %s internal error: %v", rid, c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
