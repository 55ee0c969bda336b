package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors, compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Listing errors
var (
	// ErrListingNotFound is returned when no listing matches the given id.
	ErrListingNotFound = errors.New("listing not found")

	// ErrAuctionNotActive is returned when a bid or retraction is attempted on
	// a listing that is not accepting bids.
	ErrAuctionNotActive = errors.New("auction is not active")

	// ErrAuctionNotYetEnded is returned when settlement is requested before
	// the listing's end time without a seller close.
	ErrAuctionNotYetEnded = errors.New("auction has not ended yet")

	// ErrAuctionCanceled is returned when settlement is requested for a
	// canceled listing.
	ErrAuctionCanceled = errors.New("auction was canceled")

	// ErrListingHasBids is returned when cancellation is refused because the
	// listing already has an active bid.
	ErrListingHasBids = errors.New("listing has active bids and cannot be canceled")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid listing status transition")

	// ErrInvalidListing is returned when a new listing fails validation.
	ErrInvalidListing = errors.New("invalid listing")
)

// Bid errors
var (
	// ErrBidNotFound is returned when no bid matches the given id.
	ErrBidNotFound = errors.New("bid not found")

	// ErrBidNotActive is returned when retracting a bid that is no longer
	// the active one.
	ErrBidNotActive = errors.New("bid is not active")

	// ErrInvalidAmount is returned when a bid amount is not positive, has too
	// many fractional digits, is in the wrong currency, or is below the
	// minimum next bid. Below-minimum failures are *MinimumBidError.
	ErrInvalidAmount = errors.New("invalid bid amount")

	// ErrOrderNotFound is returned when a listing has no order.
	ErrOrderNotFound = errors.New("order not found")
)

// Storage errors
var (
	// ErrStorageConflict is returned when the per-listing unit of work could
	// not complete in time (lock contention, serialization failure). Callers
	// may retry with backoff.
	ErrStorageConflict = errors.New("storage conflict, please retry")
)

// Identity errors
var (
	// ErrNotAuthorized is returned when the caller may not perform the
	// operation (e.g. a seller bidding on their own listing).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUserNotFound is returned when no user matches the given criteria.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken is returned on registration when the email already exists.
	ErrEmailTaken = errors.New("email address is already registered")

	// ErrUsernameTaken is returned on registration when the username already exists.
	ErrUsernameTaken = errors.New("username is already taken")

	// ErrInvalidCredentials is returned when login credentials are wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUserInactive is returned when a suspended user attempts an action.
	ErrUserInactive = errors.New("user account is inactive")

	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired is returned when a token has passed its TTL.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// MinimumBidError
// ──────────────────────────────────────────────────────────────────────────────

// MinimumBidError reports a bid below the minimum next amount. It matches
// ErrInvalidAmount under errors.Is so callers can branch on the category and
// still read MinNext to retry with a corrected value.
type MinimumBidError struct {
	MinNext  decimal.Decimal
	Currency string
}

func (e *MinimumBidError) Error() string {
	return fmt.Sprintf("bid must be at least %s %s", e.MinNext.String(), e.Currency)
}

// Is makes errors.Is(err, ErrInvalidAmount) true.
func (e *MinimumBidError) Is(target error) bool {
	return target == ErrInvalidAmount
}

// MinNextFrom extracts the minimum next bid from err, if it carries one.
func MinNextFrom(err error) (decimal.Decimal, bool) {
	var mbe *MinimumBidError
	if errors.As(err, &mbe) {
		return mbe.MinNext, true
	}
	return decimal.Zero, false
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

var notFoundErrors = []error{
	ErrListingNotFound,
	ErrBidNotFound,
	ErrOrderNotFound,
	ErrUserNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict returns true for errors that represent a state conflict: the
// request was well formed but the listing or bid is in the wrong state.
func IsConflict(err error) bool {
	conflictErrors := []error{
		ErrAuctionNotActive,
		ErrAuctionNotYetEnded,
		ErrAuctionCanceled,
		ErrListingHasBids,
		ErrInvalidTransition,
		ErrBidNotActive,
		ErrEmailTaken,
		ErrUsernameTaken,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true for transient failures the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	authErrors := []error{
		ErrUnauthorized,
		ErrNotAuthorized,
		ErrTokenExpired,
		ErrTokenInvalid,
		ErrInvalidCredentials,
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
