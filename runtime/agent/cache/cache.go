// Package cache memoizes results of cacheable tools within a session. Entries
// are keyed by session, tool name and a digest of the canonical arguments so
// identical calls in the same session skip execution.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// Cache stores tool results. Implementations must be safe for concurrent
	// use. Get returns (nil, false, nil) on a miss or an expired entry.
	Cache interface {
		// Get retrieves the result stored under key.
		Get(ctx context.Context, key string) (*tools.Result, bool, error)
		// Set stores res under key.
		Set(ctx context.Context, key string, res *tools.Result) error
	}
)

// DefaultTTL is the expiry applied by backends when none is configured.
const DefaultTTL = 10 * time.Minute

// Key returns the cache key of a call.
func Key(sessionID, toolName string, args tools.Args) string {
	sum := sha256.Sum256([]byte(args.Canonical()))
	return "stepflow:cache:" + sessionID + ":" + toolName + ":" + hex.EncodeToString(sum[:])
}

// Hit adapts a stored result to the call being served: the call id and raw
// arguments become the current call's and Cached is set. The stored value is
// not modified.
func Hit(stored *tools.Result, req tools.CallRequest, at time.Time) *tools.Result {
	out := *stored
	out.CallID = req.ID
	out.Arguments = req.Arguments
	out.StartedAt = at
	out.EndedAt = at
	out.Duration = 0
	out.Cached = true
	return &out
}
