package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/evetabi/auction/internal/domain"
	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard admin response helpers (mirrors internal/api/handler/response.go)
// ──────────────────────────────────────────────────────────────────────────────

func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

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

// respondEngineError maps the engine errors an admin action can hit.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case domain.IsNotFound(err):
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrListingHasBids):
		respondError(c, http.StatusConflict, "ERR_LISTING_HAS_BIDS", err.Error())
	case errors.Is(err, domain.ErrAuctionNotYetEnded):
		respondError(c, http.StatusConflict, "ERR_AUCTION_NOT_ENDED", err.Error())
	case domain.IsConflict(err):
		respondError(c, http.StatusConflict, "ERR_INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrNotAuthorized):
		respondError(c, http.StatusForbidden, "ERR_FORBIDDEN", err.Error())
	case domain.IsRetryable(err):
		c.Header("Retry-After", "1")
		respondError(c, http.StatusServiceUnavailable, "ERR_STORAGE_CONFLICT", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
	}
}

// adminPagination reads page/limit query params with sane defaults for admin views.
func adminPagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return
}
