package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/evetabi/auction/internal/domain"
	"github.com/lib/pq"
)

func TestMapPgError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"lock not available", &pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("exec: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapPgError(tc.err)
			if errors.Is(got, domain.ErrStorageConflict) != tc.conflict {
				t.Errorf("mapPgError(%v) = %v, conflict want %v", tc.err, got, tc.conflict)
			}
			if !tc.conflict && got != tc.err {
				t.Errorf("non-conflict error should pass through unchanged, got %v", got)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "users_email_key"})
	if !isUniqueViolation(err, "users_email_key") {
		t.Error("expected a users_email_key violation")
	}
	if isUniqueViolation(err, "users_username_key") {
		t.Error("constraint name must match")
	}
	if isUniqueViolation(errors.New("boom"), "users_email_key") {
		t.Error("non-driver errors are not violations")
	}
}
