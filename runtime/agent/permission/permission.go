// Package permission decides whether a tool invocation is pre-authorized,
// denied, or needs a fresh user confirmation. Decisions are derived from
// per-user records persisted in a Store plus global rules configured on the
// Manager. Deny rules always take precedence over allow rules.
package permission

import (
	"context"
	"errors"
	"time"
)

type (
	// Decision is the outcome of a permission check.
	Decision string

	// Effect is the effect of a stored record.
	Effect string

	// Record is one persisted authorization decision for a user.
	Record struct {
		// UserID is the owner of the record. Empty means anonymous callers.
		UserID string `json:"user_id"`
		// Pattern is the resource string or glob pattern.
		Pattern string `json:"pattern"`
		// Exact marks records that match Pattern literally. Records saved
		// from a user answer are exact; configured rules are globs.
		Exact bool `json:"exact"`
		// Effect is allow or deny.
		Effect Effect `json:"effect"`
		// UpdatedAt is the last write time.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Store persists permission records. Implementations must support
	// concurrent use; writes are upserts keyed by (user, pattern, exact).
	Store interface {
		// List returns the records of user.
		List(ctx context.Context, userID string) ([]Record, error)
		// Upsert creates or replaces the record keyed by its user, pattern
		// and exactness.
		Upsert(ctx context.Context, rec Record) error
		// Delete removes every record of user with the given pattern. It is
		// not an error if none exists.
		Delete(ctx context.Context, userID, pattern string) error
	}
)

const (
	// Allowed means the call may proceed.
	Allowed Decision = "allowed"
	// Denied means the call must fail without execution.
	Denied Decision = "denied"
	// NeedsAuth means the user must confirm the call first.
	NeedsAuth Decision = "needs_auth"
)

const (
	// EffectAllow grants the resource.
	EffectAllow Effect = "allow"
	// EffectDeny refuses the resource.
	EffectDeny Effect = "deny"
)

// ErrInvalidRecord is returned by stores for records missing required fields.
var ErrInvalidRecord = errors.New("invalid permission record")

// Validate checks the record can be stored.
func (r Record) Validate() error {
	if r.Pattern == "" {
		return errors.Join(ErrInvalidRecord, errors.New("pattern is required"))
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return errors.Join(ErrInvalidRecord, errors.New("effect must be allow or deny"))
	}
	return nil
}
