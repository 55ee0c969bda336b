package handler

import (
	"net/http"
	"time"

	"github.com/evetabi/auction/internal/api/middleware"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingHandler serves listing endpoints: creation, browsing, the live
// price figures and seller close.
type ListingHandler struct {
	listingSvc    *service.ListingService
	bidSvc        *service.BidService
	settlementSvc *service.SettlementService
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(
	listingSvc *service.ListingService,
	bidSvc *service.BidService,
	settlementSvc *service.SettlementService,
) *ListingHandler {
	return &ListingHandler{
		listingSvc:    listingSvc,
		bidSvc:        bidSvc,
		settlementSvc: settlementSvc,
	}
}

// ListListings godoc
// GET /api/listings?status=active&seller_id=uuid&page=1&limit=20
func (h *ListingHandler) ListListings(c *gin.Context) {
	page, limit := parsePagination(c)
	filter := repository.ListingFilter{
		Status: domain.ListingStatus(c.Query("status")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if raw := c.Query("seller_id"); raw != "" {
		sellerID, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "ERR_INVALID_SELLER_ID", "invalid seller_id format")
			return
		}
		filter.SellerID = sellerID
	}

	listings, total, err := h.listingSvc.ListListings(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch listings")
		return
	}
	respondList(c, listings, total, page, limit)
}

// GetByID godoc
// GET /api/listings/:id
func (h *ListingHandler) GetByID(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	listing, err := h.listingSvc.GetListing(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err, "could not fetch listing")
		return
	}
	respondSuccess(c, http.StatusOK, listing)
}

// CreateListing godoc
// POST /api/listings [JWT]
// Body: {"item_ref":"sku-1","currency":"USD","reserve_price":"10.00",
//
//	"start_at":"2026-01-01T10:00:00Z","end_at":"2026-01-02T10:00:00Z"}
//
// start_at defaults to now.
func (h *ListingHandler) CreateListing(c *gin.Context) {
	var body struct {
		ItemRef      string     `json:"item_ref"      binding:"required"`
		Currency     string     `json:"currency"      binding:"required"`
		ReservePrice string     `json:"reserve_price"`
		StartAt      *time.Time `json:"start_at"`
		EndAt        time.Time  `json:"end_at"        binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	req := domain.CreateListingRequest{
		SellerID: middleware.GetUserID(c),
		ItemRef:  body.ItemRef,
		Currency: body.Currency,
		EndAt:    body.EndAt,
	}
	if body.StartAt != nil {
		req.StartAt = *body.StartAt
	}
	if body.ReservePrice != "" {
		reserve, err := decimal.NewFromString(body.ReservePrice)
		if err != nil {
			respondError(c, http.StatusBadRequest, "ERR_INVALID_RESERVE", "reserve_price must be a decimal string")
			return
		}
		req.ReservePrice = &reserve
	}

	listing, err := h.listingSvc.CreateListing(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, err, "could not create listing")
		return
	}
	respondSuccess(c, http.StatusCreated, listing)
}

// GetHighest godoc
// GET /api/listings/:id/highest
// data.bid is null while the listing has no active bid.
func (h *ListingHandler) GetHighest(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	bid, err := h.bidSvc.GetCurrentHighestBid(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err, "could not fetch highest bid")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"listing_id": id,
		"bid":        bid,
	})
}

// GetMinNext godoc
// GET /api/listings/:id/min-next
func (h *ListingHandler) GetMinNext(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	minNext, err := h.bidSvc.GetMinimumNextBid(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err, "could not compute minimum bid")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"listing_id": id,
		"min_next":   minNext,
	})
}

// ListBids godoc
// GET /api/listings/:id/bids?page=1&limit=20
func (h *ListingHandler) ListBids(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	page, limit := parsePagination(c)

	bids, err := h.bidSvc.ListBids(c.Request.Context(), id, limit, (page-1)*limit)
	if err != nil {
		respondEngineError(c, err, "could not fetch bids")
		return
	}
	respondList(c, bids, len(bids), page, limit)
}

// GetOrder godoc
// GET /api/listings/:id/order
func (h *ListingHandler) GetOrder(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	order, err := h.settlementSvc.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err, "could not fetch order")
		return
	}
	respondSuccess(c, http.StatusOK, order)
}

// Close godoc
// POST /api/listings/:id/close [JWT, seller only]
// Ends the auction early and settles it. data is null when nobody bid.
func (h *ListingHandler) Close(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}
	order, err := h.settlementSvc.CloseAuction(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		respondEngineError(c, err, "could not close auction")
		return
	}
	respondSuccess(c, http.StatusOK, order)
}
