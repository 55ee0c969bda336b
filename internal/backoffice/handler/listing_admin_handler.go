package handler

import (
	"net/http"

	"github.com/evetabi/auction/internal/api/middleware"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ListingAdminHandler serves /admin/listings endpoints.
type ListingAdminHandler struct {
	listingSvc    *service.ListingService
	bidSvc        *service.BidService
	settlementSvc *service.SettlementService
}

// NewListingAdminHandler creates a ListingAdminHandler.
func NewListingAdminHandler(
	listingSvc *service.ListingService,
	bidSvc *service.BidService,
	settlementSvc *service.SettlementService,
) *ListingAdminHandler {
	return &ListingAdminHandler{
		listingSvc:    listingSvc,
		bidSvc:        bidSvc,
		settlementSvc: settlementSvc,
	}
}

// List godoc
// GET /admin/listings?status=active&seller_id=uuid&page=1&limit=50
func (h *ListingAdminHandler) List(c *gin.Context) {
	page, limit := adminPagination(c)
	filter := repository.ListingFilter{
		Status: domain.ListingStatus(c.Query("status")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if raw := c.Query("seller_id"); raw != "" {
		sellerID, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid seller_id")
			return
		}
		filter.SellerID = sellerID
	}

	listings, total, err := h.listingSvc.ListListings(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondList(c, listings, total, page, limit)
}

// Detail godoc
// GET /admin/listings/:id
// Returns the listing with its highest bid, minimum next bid, latest bids and
// order (null until settled with a winner).
func (h *ListingAdminHandler) Detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid listing id")
		return
	}

	ctx := c.Request.Context()
	listing, err := h.listingSvc.GetListing(ctx, id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	highest, err := h.bidSvc.GetCurrentHighestBid(ctx, id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	minNext, err := h.bidSvc.GetMinimumNextBid(ctx, id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	bids, err := h.bidSvc.ListBids(ctx, id, 50, 0)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	var order *domain.Order
	if listing.Status == domain.ListingSettled {
		order, err = h.settlementSvc.GetOrder(ctx, id)
		if err != nil && !domain.IsNotFound(err) {
			respondEngineError(c, err)
			return
		}
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"listing":     listing,
		"highest_bid": highest,
		"min_next":    minNext,
		"recent_bids": bids,
		"order":       order,
	})
}

// Cancel godoc
// POST /admin/listings/:id/cancel
func (h *ListingAdminHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid listing id")
		return
	}

	listing, err := h.listingSvc.CancelListing(c.Request.Context(), id, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, listing)
}

// Settle godoc
// POST /admin/listings/:id/settle
// Settles a listing whose end time has passed without waiting for the sweep.
func (h *ListingAdminHandler) Settle(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid listing id")
		return
	}

	order, err := h.settlementSvc.SettleAuction(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"listing_id": id,
		"order":      order,
	})
}
