package handler

import (
	"net/http"

	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/service"
	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports live WebSocket connections.
type ConnectionCounter interface {
	ConnectedCount() int
}

// BacklogCounter reports events not yet relayed downstream.
type BacklogCounter interface {
	Len() (int, error)
}

// DashboardHandler serves the /admin/dashboard endpoint.
type DashboardHandler struct {
	listingSvc *service.ListingService
	conns      ConnectionCounter
	backlog    BacklogCounter
}

// NewDashboardHandler creates a DashboardHandler. conns and backlog may be
// nil when the process runs without a hub or an outbox.
func NewDashboardHandler(listingSvc *service.ListingService, conns ConnectionCounter, backlog BacklogCounter) *DashboardHandler {
	return &DashboardHandler{listingSvc: listingSvc, conns: conns, backlog: backlog}
}

var dashboardStatuses = []domain.ListingStatus{
	domain.ListingScheduled,
	domain.ListingActive,
	domain.ListingEnded,
	domain.ListingSettled,
	domain.ListingCanceled,
}

// Dashboard godoc
// GET /admin/dashboard
// Counts are by stored status; a listing past its end time counts as active
// until the sweep settles it.
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	counts := make(gin.H, len(dashboardStatuses))
	total := 0
	for _, status := range dashboardStatuses {
		_, n, err := h.listingSvc.ListListings(ctx, repository.ListingFilter{Status: status, Limit: 1})
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
			return
		}
		counts[string(status)] = n
		total += n
	}

	data := gin.H{
		"listings":       counts,
		"listings_total": total,
	}
	if h.conns != nil {
		data["ws_connections"] = h.conns.ConnectedCount()
	}
	if h.backlog != nil {
		if n, err := h.backlog.Len(); err == nil {
			data["outbox_backlog"] = n
		}
	}
	respondSuccess(c, http.StatusOK, data)
}
