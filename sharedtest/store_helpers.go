// Package sharedtest holds the small store-seeding helpers that several packages'
// tests would otherwise reimplement locally: fails-on-error convenience wrappers
// around direct store writes, used only from _test.go files.
package sharedtest

import (
	"context"
	"testing"
	"time"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// PutTrait writes a single user trait directly, bypassing the Trait Computer — for tests
// that need a trait value present without exercising Recompute itself.
func PutTrait(t *testing.T, s store.Store, userID, key, value string, updatedAt time.Time) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpsertUserTrait(context.Background(), model.UserTrait{
			UserID: userID, Key: key, Value: []byte(value), UpdatedAt: updatedAt,
		})
	})
	if err != nil {
		t.Fatalf("sharedtest: put trait: %v", err)
	}
}

// PutSegmentMembership writes a single user segment membership row directly, bypassing
// the Segment Computer — for tests that need membership present without exercising
// Recompute itself.
func PutSegmentMembership(t *testing.T, s store.Store, userID, key string, inSegment bool) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpsertUserSegment(context.Background(), model.UserSegment{
			UserID: userID, Key: key, InSegment: inSegment, UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("sharedtest: put segment membership: %v", err)
	}
}
