// Package backoffice is the admin surface of the auction engine: listing
// oversight, cancellation, manual settlement and a status dashboard. It runs
// on its own port behind an IP allowlist and requires an admin JWT.
package backoffice

import (
	"net/http"
	"strings"

	"github.com/evetabi/auction/internal/api/middleware"
	"github.com/evetabi/auction/internal/backoffice/handler"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/service"
	"github.com/gin-gonic/gin"
)

// BackofficeDeps bundles every dependency needed for the admin router.
// Conns and Backlog are optional.
type BackofficeDeps struct {
	AuthSvc       *service.AuthService
	ListingSvc    *service.ListingService
	BidSvc        *service.BidService
	SettlementSvc *service.SettlementService
	Conns         handler.ConnectionCounter
	Backlog       handler.BacklogCounter
	Cfg           *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	dashH := handler.NewDashboardHandler(deps.ListingSvc, deps.Conns, deps.Backlog)
	listingH := handler.NewListingAdminHandler(deps.ListingSvc, deps.BidSvc, deps.SettlementSvc)

	admin := r.Group("/admin")
	admin.Use(middleware.JWTMiddleware(deps.AuthSvc), middleware.AdminMiddleware())
	{
		admin.GET("/dashboard", dashH.Dashboard)

		l := admin.Group("/listings")
		{
			l.GET("", listingH.List)
			l.GET("/:id", listingH.Detail)
			l.POST("/:id/cancel", listingH.Cancel)
			l.POST("/:id/settle", listingH.Settle)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// allowedIPs is a comma-separated string; empty means allow all.
func ipWhitelistMiddleware(allowedIPs string) gin.HandlerFunc {
	if allowedIPs == "" {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool)
	for _, ip := range strings.Split(allowedIPs, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = true
		}
	}

	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "access denied: your IP is not whitelisted",
				"code":    "ERR_IP_NOT_ALLOWED",
			})
			return
		}
		c.Next()
	}
}
