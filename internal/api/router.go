package api

import (
	"net/http"

	"github.com/evetabi/auction/internal/api/handler"
	"github.com/evetabi/auction/internal/api/middleware"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/service"
	"github.com/evetabi/auction/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc       *service.AuthService
	ListingSvc    *service.ListingService
	BidSvc        *service.BidService
	SettlementSvc *service.SettlementService
	Hub           *ws.Hub
	Cfg           *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	userH := handler.NewUserHandler(deps.AuthSvc)
	listingH := handler.NewListingHandler(deps.ListingSvc, deps.BidSvc, deps.SettlementSvc)
	bidH := handler.NewBidHandler(deps.BidSvc)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)

	// ── Rate limiters (auth per IP, bids per bidder) ──────────────────────────
	authRL := middleware.RateLimitMiddleware(deps.Cfg.Server.AuthRateLimit, middleware.ByClientIP)
	bidRL := middleware.RateLimitMiddleware(deps.Cfg.Server.BidRateLimit, middleware.ByBidder)

	api := r.Group("/api")
	{
		// ── Auth (public, strict rate limit) ─────────────────────────────────
		auth := api.Group("/auth")
		auth.Use(authRL)
		{
			auth.POST("/register", userH.Register)
			auth.POST("/login", userH.Login)
			auth.POST("/refresh", userH.Refresh)
		}

		// ── Listings (public reads) ──────────────────────────────────────────
		listings := api.Group("/listings")
		{
			listings.GET("", listingH.ListListings)
			listings.GET("/:id", listingH.GetByID)
			listings.GET("/:id/highest", listingH.GetHighest)
			listings.GET("/:id/min-next", listingH.GetMinNext)
			listings.GET("/:id/bids", listingH.ListBids)
			listings.GET("/:id/order", listingH.GetOrder)
		}

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW)
		{
			// Profile
			authed.GET("/me", userH.Me)

			// Listings
			authed.POST("/listings", listingH.CreateListing)
			authed.POST("/listings/:id/close", listingH.Close)
			authed.POST("/listings/:id/bids", bidRL, bidH.PlaceBid)

			// Bids
			bids := authed.Group("/bids")
			bids.Use(bidRL)
			{
				bids.GET("/:id", bidH.GetByID)
				bids.POST("/:id/retract", bidH.Retract)
			}
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws/listings/:id", func(c *gin.Context) {
			listingID, err := uuid.Parse(c.Param("id"))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"success": false,
					"error":   "invalid listing id format",
					"code":    "ERR_INVALID_LISTING_ID",
				})
				return
			}
			deps.Hub.ServeListing(c.Writer, c.Request, listingID)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// Outside production all origins are allowed; in production only the
// configured WS_ALLOWED_ORIGINS.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
