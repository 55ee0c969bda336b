// Package api_test runs HTTP-level smoke tests using net/http/httptest.
// They run against the in-memory store, so no PostgreSQL is needed. They
// verify:
//   - Gin router routing and middleware wiring
//   - Request validation error responses (400)
//   - JWT auth middleware (401 without token, 401 with bad token)
//   - Response format consistency (success/error envelope)
//   - The bidding flow end to end, including min_next on a low bid
//   - CORS preflight handling
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/auction/internal/api"
	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/repository/memory"
	"github.com/evetabi/auction/internal/service"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:  "development",
			Port: "8080",
		},
		JWT: config.JWTConfig{
			AccessSecret:  "test-access-secret-abcdefghijklmnop",
			RefreshSecret: "test-refresh-secret-abcdefghijklmnop",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
		},
		Auction: config.AuctionConfig{
			StoreDriver:     config.StoreDriverMemory,
			ConflictRetries: 3,
			RetryBackoff:    time.Millisecond,
			LockTimeout:     time.Second,
			SweepBatch:      100,
		},
	}
}

// buildTestRouter wires the real services on top of the in-memory store.
func buildTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := testCfg()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Real{}
	store := memory.NewStore(cfg.Auction.LockTimeout)

	return api.SetupRouter(api.RouterDeps{
		AuthSvc:       service.NewAuthService(memory.NewUserStore(), clk, cfg),
		ListingSvc:    service.NewListingService(store, clk, cfg, log),
		BidSvc:        service.NewBidService(store, clk, cfg, log),
		SettlementSvc: service.NewSettlementService(store, clk, cfg, log),
		Hub:           nil,
		Cfg:           cfg,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("response is not valid JSON: %v, body: %s", err, rr.Body.String())
	}
	return m
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %v", body)
	}
	return d
}

// register creates an account and returns its id and a bearer header.
func register(t *testing.T, h http.Handler, name string) (string, map[string]string) {
	t.Helper()
	payload := fmt.Sprintf(`{"username":%q,"email":"%s@example.com","password":"password123"}`, name, name)
	rr := do(t, h, http.MethodPost, "/api/auth/register", payload, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s = %d, body: %s", name, rr.Code, rr.Body.String())
	}
	d := data(t, decodeBody(t, rr))
	user := d["user"].(map[string]interface{})
	return user["id"].(string), map[string]string{
		"Authorization": "Bearer " + d["access_token"].(string),
	}
}

// createListing opens a listing as the given seller, ending in an hour.
func createListing(t *testing.T, h http.Handler, seller map[string]string, reserve string) string {
	t.Helper()
	end := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	payload := fmt.Sprintf(`{"item_ref":"sku-1","currency":"USD","reserve_price":%q,"end_at":%q}`, reserve, end)
	rr := do(t, h, http.MethodPost, "/api/listings", payload, seller)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create listing = %d, body: %s", rr.Code, rr.Body.String())
	}
	return data(t, decodeBody(t, rr))["id"].(string)
}

func bid(t *testing.T, h http.Handler, bidder map[string]string, listingID, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodPost, "/api/listings/"+listingID+"/bids",
		fmt.Sprintf(`{"amount":%q}`, amount), bidder)
}

// ── /health ───────────────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rr.Code)
	}
}

// ── Auth endpoints: validation layer ──────────────────────────────────────────

func TestRegister_MissingFields(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/auth/register", `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST /api/auth/register empty body = %d, want 400", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false {
		t.Errorf("response.success should be false on error, got %v", body["success"])
	}
	if body["code"] == nil {
		t.Errorf("error envelope missing 'code', got: %v", body)
	}
}

func TestRegister_InvalidEmail(t *testing.T) {
	h := buildTestRouter(t)
	payload := `{"username":"testuser","email":"notanemail","password":"password123"}`
	rr := do(t, h, http.MethodPost, "/api/auth/register", payload, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("register with invalid email = %d, want 400", rr.Code)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	h := buildTestRouter(t)
	register(t, h, "alice")
	payload := `{"username":"alice2","email":"ALICE@example.com","password":"password123"}`
	rr := do(t, h, http.MethodPost, "/api/auth/register", payload, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate email = %d, want 409", rr.Code)
	}
}

func TestLogin_MissingFields(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/auth/login", `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST /api/auth/login empty = %d, want 400", rr.Code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	h := buildTestRouter(t)
	register(t, h, "bob")
	rr := do(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"bob@example.com","password":"wrong-password"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("login with wrong password = %d, want 401", rr.Code)
	}
}

// ── JWT auth middleware ───────────────────────────────────────────────────────

func TestProtectedRoutes_NoToken_Return401(t *testing.T) {
	h := buildTestRouter(t)
	id := "11111111-1111-1111-1111-111111111111"
	cases := []struct{ method, path, body string }{
		{http.MethodGet, "/api/me", ""},
		{http.MethodPost, "/api/listings", `{}`},
		{http.MethodPost, "/api/listings/" + id + "/bids", `{"amount":"1.00"}`},
		{http.MethodPost, "/api/listings/" + id + "/close", ""},
		{http.MethodPost, "/api/bids/" + id + "/retract", ""},
	}
	for _, tc := range cases {
		rr := do(t, h, tc.method, tc.path, tc.body, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", tc.method, tc.path, rr.Code)
		}
	}
}

func TestPlaceBid_InvalidToken_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	// Well-formed header and payload with a bad signature.
	fakeJWT := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9" +
		".eyJzdWIiOiIxMjM0NTY3ODkwIiwicm9sZSI6InVzZXIiLCJ0eXBlIjoiYWNjZXNzIn0" +
		".BADSIG"
	rr := do(t, h, http.MethodPost, "/api/listings/11111111-1111-1111-1111-111111111111/bids",
		`{"amount":"1.00"}`, map[string]string{"Authorization": "Bearer " + fakeJWT})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("place bid with invalid JWT = %d, want 401", rr.Code)
	}
}

func TestMe_ReturnsProfile(t *testing.T) {
	h := buildTestRouter(t)
	id, auth := register(t, h, "carol")
	rr := do(t, h, http.MethodGet, "/api/me", "", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/me = %d, body: %s", rr.Code, rr.Body.String())
	}
	d := data(t, decodeBody(t, rr))
	if d["id"] != id {
		t.Errorf("me.id = %v, want %s", d["id"], id)
	}
	if _, leaked := d["password_hash"]; leaked {
		t.Error("profile must not expose the password hash")
	}
}

// ── Listings: public reads ────────────────────────────────────────────────────

func TestListings_ArePublic(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/listings", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /api/listings = %d, want 200", rr.Code)
	}
	body := decodeBody(t, rr)
	if _, ok := body["meta"]; !ok {
		t.Errorf("list response missing meta, got: %v", body)
	}
}

func TestListing_UnknownID_Returns404(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/listings/11111111-1111-1111-1111-111111111111", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown listing = %d, want 404", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != "ERR_LISTING_NOT_FOUND" {
		t.Errorf("code = %v, want ERR_LISTING_NOT_FOUND", body["code"])
	}
}

func TestListing_MalformedID_Returns400(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/listings/not-a-uuid/highest", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed id = %d, want 400", rr.Code)
	}
}

func TestCreateListing_EndInPast_Returns400(t *testing.T) {
	h := buildTestRouter(t)
	_, seller := register(t, h, "dave")
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rr := do(t, h, http.MethodPost, "/api/listings",
		fmt.Sprintf(`{"item_ref":"sku","currency":"USD","end_at":%q}`, past), seller)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("listing ending in the past = %d, want 400", rr.Code)
	}
}

// ── Bidding flow ──────────────────────────────────────────────────────────────

func TestBiddingFlow(t *testing.T) {
	h := buildTestRouter(t)
	_, seller := register(t, h, "seller")
	aliceID, alice := register(t, h, "alice")
	_, bob := register(t, h, "bob")

	listingID := createListing(t, h, seller, "1.00")

	// Seller cannot bid on their own listing.
	if rr := bid(t, h, seller, listingID, "5.00"); rr.Code != http.StatusForbidden {
		t.Errorf("seller bid = %d, want 403", rr.Code)
	}

	if rr := bid(t, h, alice, listingID, "1.05"); rr.Code != http.StatusCreated {
		t.Fatalf("first bid = %d, body: %s", rr.Code, rr.Body.String())
	}

	// Below minimum: 422 with min_next = 1.05 * 1.05.
	rr := bid(t, h, bob, listingID, "1.00")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("low bid = %d, want 422", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["code"] != "ERR_INVALID_AMOUNT" {
		t.Errorf("low bid code = %v, want ERR_INVALID_AMOUNT", body["code"])
	}
	if body["min_next"] != "1.1025" {
		t.Errorf("min_next = %v, want 1.1025", body["min_next"])
	}

	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/min-next", "", nil)
	if got := data(t, decodeBody(t, rr))["min_next"]; got != "1.1025" {
		t.Errorf("GET min-next = %v, want 1.1025", got)
	}

	if rr := bid(t, h, bob, listingID, "1.20"); rr.Code != http.StatusCreated {
		t.Fatalf("second bid = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/highest", "", nil)
	highest := data(t, decodeBody(t, rr))["bid"].(map[string]interface{})
	if highest["amount"] != "1.2" {
		t.Errorf("highest amount = %v, want 1.2", highest["amount"])
	}

	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/bids", "", nil)
	bids := decodeBody(t, rr)["data"].([]interface{})
	if len(bids) != 2 {
		t.Fatalf("bids = %d, want 2", len(bids))
	}
	var aliceStatus interface{}
	for _, raw := range bids {
		b := raw.(map[string]interface{})
		if b["bidder_id"] == aliceID {
			aliceStatus = b["status"]
		}
	}
	if aliceStatus != "superseded" {
		t.Errorf("alice's bid status = %v, want superseded", aliceStatus)
	}

	// Only the seller may close.
	if rr := do(t, h, http.MethodPost, "/api/listings/"+listingID+"/close", "", bob); rr.Code != http.StatusForbidden {
		t.Errorf("close by bidder = %d, want 403", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/api/listings/"+listingID+"/close", "", seller)
	if rr.Code != http.StatusOK {
		t.Fatalf("close = %d, body: %s", rr.Code, rr.Body.String())
	}
	order := data(t, decodeBody(t, rr))
	if order["amount"] != "1.2" {
		t.Errorf("order amount = %v, want 1.2", order["amount"])
	}

	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/order", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET order = %d, want 200", rr.Code)
	}

	// Settled listings reject further bids.
	if rr := bid(t, h, alice, listingID, "10.00"); rr.Code != http.StatusConflict {
		t.Errorf("bid after close = %d, want 409", rr.Code)
	}
}

func TestRetractFlow(t *testing.T) {
	h := buildTestRouter(t)
	_, seller := register(t, h, "seller")
	_, alice := register(t, h, "alice")
	_, bob := register(t, h, "bob")

	listingID := createListing(t, h, seller, "2.00")
	rr := bid(t, h, alice, listingID, "3.00")
	if rr.Code != http.StatusCreated {
		t.Fatalf("bid = %d, body: %s", rr.Code, rr.Body.String())
	}
	bidID := data(t, decodeBody(t, rr))["id"].(string)

	if rr := do(t, h, http.MethodPost, "/api/bids/"+bidID+"/retract", "", bob); rr.Code != http.StatusForbidden {
		t.Errorf("retract by another user = %d, want 403", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/bids/"+bidID+"/retract", "", alice); rr.Code != http.StatusOK {
		t.Fatalf("retract = %d, body: %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/api/bids/"+bidID+"/retract", "", alice); rr.Code != http.StatusConflict {
		t.Errorf("second retract = %d, want 409", rr.Code)
	}

	// With no active bid the minimum falls back to the reserve.
	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/min-next", "", nil)
	if got := data(t, decodeBody(t, rr))["min_next"]; got != "2" {
		t.Errorf("min-next after retract = %v, want 2", got)
	}
	rr = do(t, h, http.MethodGet, "/api/listings/"+listingID+"/highest", "", nil)
	if got := data(t, decodeBody(t, rr))["bid"]; got != nil {
		t.Errorf("highest after retract = %v, want null", got)
	}
}

// ── Error envelope format ─────────────────────────────────────────────────────

func TestErrorEnvelope_HasRequiredFields(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/auth/register", `{}`, nil)
	body := decodeBody(t, rr)

	for _, field := range []string{"success", "error", "code"} {
		if _, ok := body[field]; !ok {
			t.Errorf("error envelope missing field %q, got: %v", field, body)
		}
	}
	if body["success"] != false {
		t.Errorf("error envelope.success = %v, want false", body["success"])
	}
}

// ── CORS headers ──────────────────────────────────────────────────────────────

func TestCORSOptionsRequest(t *testing.T) {
	h := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent && rr.Code != http.StatusOK {
		t.Errorf("OPTIONS /api/auth/login = %d, want 204 or 200", rr.Code)
	}
	allow := rr.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, "POST") {
		t.Errorf("Access-Control-Allow-Methods missing POST, got %q", allow)
	}
}

func TestCORSAllowOrigin_Dev(t *testing.T) {
	h := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	origin := rr.Header().Get("Access-Control-Allow-Origin")
	if origin != "*" {
		t.Errorf("Dev CORS origin = %q, want *", origin)
	}
}
