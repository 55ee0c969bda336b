package handler

import (
	"net/http"

	"github.com/evetabi/auction/internal/api/middleware"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BidHandler serves bid placement and retraction.
type BidHandler struct {
	bidSvc *service.BidService
}

// NewBidHandler creates a BidHandler.
func NewBidHandler(bidSvc *service.BidService) *BidHandler {
	return &BidHandler{bidSvc: bidSvc}
}

// PlaceBid godoc
// POST /api/listings/:id/bids [JWT]
// Body: {"amount":"105.00","currency":"USD"}
//
// A below-minimum amount answers 422 ERR_INVALID_AMOUNT with "min_next".
func (h *BidHandler) PlaceBid(c *gin.Context) {
	listingID, ok := parseIDParam(c, "id", "ERR_INVALID_LISTING_ID")
	if !ok {
		return
	}

	var body struct {
		Amount   string `json:"amount"   binding:"required"`
		Currency string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "amount must be a decimal string")
		return
	}

	bid, err := h.bidSvc.PlaceBid(c.Request.Context(), domain.PlaceBidRequest{
		ListingID: listingID,
		BidderID:  middleware.GetUserID(c),
		Amount:    amount,
		Currency:  body.Currency,
	})
	if err != nil {
		respondEngineError(c, err, "could not place bid")
		return
	}
	respondSuccess(c, http.StatusCreated, bid)
}

// GetByID godoc
// GET /api/bids/:id [JWT]
func (h *BidHandler) GetByID(c *gin.Context) {
	bidID, ok := parseIDParam(c, "id", "ERR_INVALID_BID_ID")
	if !ok {
		return
	}
	bid, err := h.bidSvc.GetBid(c.Request.Context(), bidID)
	if err != nil {
		respondEngineError(c, err, "could not fetch bid")
		return
	}
	respondSuccess(c, http.StatusOK, bid)
}

// Retract godoc
// POST /api/bids/:id/retract [JWT, bidder only]
func (h *BidHandler) Retract(c *gin.Context) {
	bidID, ok := parseIDParam(c, "id", "ERR_INVALID_BID_ID")
	if !ok {
		return
	}
	bid, err := h.bidSvc.RetractBid(c.Request.Context(), bidID, middleware.GetUserID(c))
	if err != nil {
		respondEngineError(c, err, "could not retract bid")
		return
	}
	respondSuccess(c, http.StatusOK, bid)
}
