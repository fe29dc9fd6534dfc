// Package store implements the tiered storage layer: hot/warm items live in
// the fast driver, cold items in the bulk driver, with an in-process read
// cache in front of both.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an item does not exist in any tier.
var ErrNotFound = errors.New("item not found")

// Tier is the storage class of an item. It governs driver placement and
// expiry and is immutable except through an explicit re-tier.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// WarmTTL is how long a warm item stays retrievable in the fast tier.
const WarmTTL = 24 * time.Hour

// ParseTier validates a tier string. Empty input defaults to hot.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierHot, nil
	case TierHot, TierWarm, TierCold:
		return Tier(s), nil
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown tier %q", s)}
	}
}

// Item is the stored unit of context.
type Item struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
	Tier      Tier
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Patch carries partial updates for an item. Nil fields are left unchanged.
// Setting Tier re-tiers the item and rewrites its expiry.
type Patch struct {
	Content   *string
	Metadata  map[string]string
	Embedding []float32
	Tier      *Tier
}

// ValidationError marks a malformed item or query. It is rejected
// synchronously and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
