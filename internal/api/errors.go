package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"market-data-server/internal/binance"
	"market-data-server/internal/candles"
)

// Machine-readable error codes in the HTTP error envelope.
const (
	CodeInvalidLimitRange   = "INVALID_LIMIT_RANGE"
	CodeInvalidInterval     = "INVALID_INTERVAL"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeSymbolNotFound      = "SYMBOL_NOT_FOUND"
	CodePriceNotAvailable   = "PRICE_NOT_AVAILABLE"
	CodeDataNotAvailable    = "DATA_NOT_AVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// errorEnvelope is the wire shape of every HTTP error.
type errorEnvelope struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, code, short, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, errorEnvelope{
		Error:   short,
		Message: message,
		Code:    code,
		Details: details,
	})
}

// respondServiceError maps service-layer sentinel errors onto the envelope.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, binance.ErrRateLimited):
		// The limiter window is one sliding minute.
		c.Header("Retry-After", "60")
		respondError(c, http.StatusTooManyRequests, CodeRateLimited,
			"rate limited", err.Error(), nil)
	case errors.Is(err, binance.ErrUpstream):
		respondError(c, http.StatusServiceUnavailable, CodeUpstreamUnavailable,
			"upstream unavailable", err.Error(), nil)
	case errors.Is(err, candles.ErrInvalidInterval):
		respondError(c, http.StatusBadRequest, CodeInvalidInterval,
			"invalid interval", err.Error(), nil)
	default:
		respondError(c, http.StatusInternalServerError, CodeInternal,
			"internal error", err.Error(), nil)
	}
}

func symbolNotFound(c *gin.Context, symbol string) {
	respondError(c, http.StatusNotFound, CodeSymbolNotFound,
		"symbol not found", "symbol "+symbol+" is not tracked",
		map[string]interface{}{"symbol": symbol})
}
