package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/evetabi/auction/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard response helpers
// ──────────────────────────────────────────────────────────────────────────────

// respondSuccess writes {"success": true, "data": data} with the given status.
func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError writes {"success": false, "error": msg, "code": code}.
func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondList writes {"success": true, "data": items, "meta": {...}}.
func respondList(c *gin.Context, items interface{}, total, page, limit int) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    items,
		"meta": gin.H{
			"total": total,
			"page":  page,
			"limit": limit,
		},
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Domain error mapping
// ──────────────────────────────────────────────────────────────────────────────

// errorMapping pairs a domain error with its HTTP status and error code.
type errorMapping struct {
	target error
	status int
	code   string
}

// engineErrors is checked in order with errors.Is.
var engineErrors = []errorMapping{
	{domain.ErrListingNotFound, http.StatusNotFound, "ERR_LISTING_NOT_FOUND"},
	{domain.ErrBidNotFound, http.StatusNotFound, "ERR_BID_NOT_FOUND"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "ERR_ORDER_NOT_FOUND"},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "ERR_INVALID_AMOUNT"},
	{domain.ErrInvalidListing, http.StatusBadRequest, "ERR_INVALID_LISTING"},
	{domain.ErrAuctionNotActive, http.StatusConflict, "ERR_AUCTION_NOT_ACTIVE"},
	{domain.ErrAuctionNotYetEnded, http.StatusConflict, "ERR_AUCTION_NOT_ENDED"},
	{domain.ErrAuctionCanceled, http.StatusConflict, "ERR_AUCTION_CANCELED"},
	{domain.ErrListingHasBids, http.StatusConflict, "ERR_LISTING_HAS_BIDS"},
	{domain.ErrInvalidTransition, http.StatusConflict, "ERR_INVALID_TRANSITION"},
	{domain.ErrBidNotActive, http.StatusConflict, "ERR_BID_NOT_ACTIVE"},
	{domain.ErrNotAuthorized, http.StatusForbidden, "ERR_FORBIDDEN"},
	{domain.ErrStorageConflict, http.StatusServiceUnavailable, "ERR_STORAGE_CONFLICT"},
}

// respondEngineError maps an engine error to the error envelope. Below-minimum
// bids also carry "min_next" so the client can retry with a corrected amount.
// Unknown errors become a 500 with fallback as the message.
func respondEngineError(c *gin.Context, err error, fallback string) {
	for _, m := range engineErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		body := gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    m.code,
		}
		if minNext, ok := domain.MinNextFrom(err); ok {
			body["min_next"] = minNext
		}
		if m.status == http.StatusServiceUnavailable {
			c.Header("Retry-After", "1")
		}
		c.AbortWithStatusJSON(m.status, body)
		return
	}
	_ = c.Error(err)
	respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", fallback)
}

// ──────────────────────────────────────────────────────────────────────────────
// Request helpers
// ──────────────────────────────────────────────────────────────────────────────

// parsePagination reads ?page= and ?limit= with sane defaults.
func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return
}

// parseIDParam parses the named path parameter as a UUID, writing a 400 on
// failure.
func parseIDParam(c *gin.Context, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, http.StatusBadRequest, code, "invalid "+name+" format")
		return uuid.Nil, false
	}
	return id, true
}
