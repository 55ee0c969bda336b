package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/notifier"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 512              // bytes; clients only send pongs
	sendBufferSize = 256              // messages in each client send channel
)

// ──────────────────────────────────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────────────────────────────────

// Subscriber is implemented by notifier.Notifier.
type Subscriber interface {
	Subscribe(ctx context.Context, listingID uuid.UUID) (*notifier.Subscription, error)
}

// ListingSource is implemented by service.ListingService.
type ListingSource interface {
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
}

// BidSource is implemented by service.BidService.
type BidSource interface {
	GetCurrentHighestBid(ctx context.Context, listingID uuid.UUID) (*domain.Bid, error)
	GetMinimumNextBid(ctx context.Context, listingID uuid.UUID) (decimal.Decimal, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one WebSocket endpoint watching one listing.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte // buffered outbound message queue
	listingID uuid.UUID
	userID    uuid.UUID // zero-value = anonymous
	cancel    context.CancelFunc
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub tracks connected clients and bridges notifier subscriptions to them.
// Run() must be called in a dedicated goroutine before ServeListing is used.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	subscriber Subscriber
	listings   ListingSource
	bids       BidSource
	clock      clock.Clock

	// JWT signing key (optional; if empty, all connections are anonymous)
	jwtSecret []byte

	// upgrader is safe for concurrent use after construction.
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub creates a Hub ready to be started with Run().
// jwtSecret may be nil; WS connections will then be treated as anonymous.
func NewHub(
	subscriber Subscriber,
	listings ListingSource,
	bids BidSource,
	clk clock.Clock,
	jwtSecret []byte,
	allowedOrigins []string,
	log *slog.Logger,
) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		subscriber: subscriber,
		listings:   listings,
		bids:       bids,
		clock:      clk,
		jwtSecret:  jwtSecret,
		log:        log.With("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Run: hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration and unregistration until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.cancel()
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.cancel()
			}
			h.mu.Unlock()
			return
		}
	}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeListing: HTTP to WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeListing upgrades the request and streams listingID's events to the
// client, starting with a snapshot. Unknown listings get a 404 before the
// upgrade. The stream ends after the listing is settled or canceled.
func (h *Hub) ServeListing(w http.ResponseWriter, r *http.Request, listingID uuid.UUID) {
	if _, err := h.listings.GetListing(r.Context(), listingID); err != nil {
		if errors.Is(err, domain.ErrListingNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	var userID uuid.UUID // zero = anonymous
	if token := r.URL.Query().Get("token"); token != "" && len(h.jwtSecret) > 0 {
		userID = h.parseJWT(token)
	}

	// The subscription outlives the HTTP request; it ends with the client.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		listingID: listingID,
		userID:    userID,
		cancel:    cancel,
	}

	// Subscribe before the snapshot so nothing committed in between is lost.
	sub, err := h.subscriber.Subscribe(ctx, listingID)
	if err != nil {
		cancel()
		h.log.Error("subscribe failed", "listing_id", listingID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"))
		_ = conn.Close()
		return
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
	go client.forward(ctx, sub)
}

// forward sends the snapshot, then every newer event, to the client. It closes
// the send channel when the subscription ends so writePump says goodbye.
func (c *Client) forward(ctx context.Context, sub *notifier.Subscription) {
	defer close(c.send)
	defer sub.Close()

	snap, err := c.hub.snapshot(ctx, c.listingID)
	if err != nil {
		c.hub.log.Error("snapshot failed", "listing_id", c.listingID, "error", err)
		c.enqueue(ErrorMessage{Type: MsgTypeError, Code: "ERR_SNAPSHOT", Message: "could not load listing"})
		return
	}
	c.enqueue(snap)
	if snap.Status == domain.ListingSettled || snap.Status == domain.ListingCanceled {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= snap.Seq {
				continue // already in the snapshot
			}
			c.enqueue(NewEventMessage(e))
		}
	}
}

// enqueue marshals v onto the client's send channel, dropping it when the
// client is not keeping up.
func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("marshal error", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("client buffer full, message dropped", "listing_id", c.listingID, "user_id", c.userID)
	}
}

// snapshot builds the listing state a new client starts from.
func (h *Hub) snapshot(ctx context.Context, listingID uuid.UUID) (*SnapshotMessage, error) {
	listing, err := h.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	highest, err := h.bids.GetCurrentHighestBid(ctx, listingID)
	if err != nil {
		return nil, err
	}
	minNext, err := h.bids.GetMinimumNextBid(ctx, listingID)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now().UTC()
	msg := &SnapshotMessage{
		Type:            MsgTypeSnapshot,
		ListingID:       listing.ID,
		Status:          listing.Status,
		Currency:        listing.Currency,
		MinNext:         minNext,
		EndAt:           listing.EndAt,
		TimeLeftSeconds: int64(listing.TimeLeft(now).Seconds()),
		Seq:             listing.Version,
		Timestamp:       now,
	}
	if highest != nil {
		msg.Highest = &highest.Amount
		msg.HighestBidID = &highest.ID
	}
	return msg, nil
}

// parseJWT extracts the user UUID from a signed token.
// Returns uuid.Nil on any failure (treated as anonymous).
func (h *Hub) parseJWT(tokenString string) uuid.UUID {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	}, jwt.WithTimeFunc(h.clock.Now))
	if err != nil || !tok.Valid {
		return uuid.Nil
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil
	}
	sub, _ := claims.GetSubject()
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection.  It also sends ping frames every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Stream finished (listing closed, or client going away).
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// readPump reads frames from the WebSocket connection.  Only pong messages
// are handled (they reset the read deadline).  All other inbound messages are
// discarded; this is a server-push-only protocol.  When the connection drops
// the client is unregistered.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn("unexpected close", "listing_id", c.listingID, "user_id", c.userID, "error", err)
			}
			return
		}
		// All inbound messages are silently dropped; server is push-only.
	}
}
