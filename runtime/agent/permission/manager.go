package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

type (
	// Options configures a Manager.
	Options struct {
		// Store persists per-user records. Required.
		Store Store
		// Allow lists global patterns granted to every user.
		Allow []string
		// Deny lists global patterns refused to every user. Global denies
		// win over any allow, including user grants.
		Deny []string
		// Now overrides the clock used to stamp records.
		Now func() time.Time
	}

	// Manager evaluates permission decisions for tool resources. A resource
	// has the form `tool_name(canonical_args)`; patterns use `*` and `?`
	// wildcards and a bare tool name matches every call of that tool.
	Manager struct {
		store Store
		allow []string
		deny  []string
		now   func() time.Time
		m     matcher
	}
)

// NewManager returns a Manager backed by opts.Store.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("permission store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mgr := &Manager{store: opts.Store, now: now}
	for _, p := range opts.Allow {
		if p = NormalizePattern(p); p != "" {
			mgr.allow = append(mgr.allow, p)
		}
	}
	for _, p := range opts.Deny {
		if p = NormalizePattern(p); p != "" {
			mgr.deny = append(mgr.deny, p)
		}
	}
	for _, p := range append(append([]string{}, mgr.allow...), mgr.deny...) {
		if _, err := glob.Compile(escapePattern(p)); err != nil {
			return nil, fmt.Errorf("compile permission pattern %q: %w", p, err)
		}
	}
	return mgr, nil
}

// Check returns the decision for userID invoking resource. Any matching deny
// yields Denied; otherwise any matching allow yields Allowed; otherwise
// NeedsAuth.
func (m *Manager) Check(ctx context.Context, userID, resource string) (Decision, error) {
	recs, err := m.store.List(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list permissions: %w", err)
	}
	allowed := false
	for _, p := range m.deny {
		if m.m.match(p, resource) {
			return Denied, nil
		}
	}
	for _, r := range recs {
		if !m.matches(r, resource) {
			continue
		}
		if r.Effect == EffectDeny {
			return Denied, nil
		}
		allowed = true
	}
	if allowed {
		return Allowed, nil
	}
	for _, p := range m.allow {
		if m.m.match(p, resource) {
			return Allowed, nil
		}
	}
	return NeedsAuth, nil
}

// Save records the user's answer for an exact resource. Saving the same
// resource again replaces the previous answer.
func (m *Manager) Save(ctx context.Context, userID, resource string, allowed bool) error {
	if resource == "" {
		return errors.New("resource is required")
	}
	eff := EffectDeny
	if allowed {
		eff = EffectAllow
	}
	return m.store.Upsert(ctx, Record{
		UserID:    userID,
		Pattern:   resource,
		Exact:     true,
		Effect:    eff,
		UpdatedAt: m.now().UTC(),
	})
}

// SavePattern records a glob rule for the user.
func (m *Manager) SavePattern(ctx context.Context, userID, pattern string, eff Effect) error {
	pattern = NormalizePattern(pattern)
	if _, err := glob.Compile(escapePattern(pattern)); err != nil {
		return fmt.Errorf("compile permission pattern %q: %w", pattern, err)
	}
	return m.store.Upsert(ctx, Record{
		UserID:    userID,
		Pattern:   pattern,
		Effect:    eff,
		UpdatedAt: m.now().UTC(),
	})
}

// Revoke deletes the user's records for pattern. Interactions already
// pending are unaffected.
func (m *Manager) Revoke(ctx context.Context, userID, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if err := m.store.Delete(ctx, userID, pattern); err != nil {
		return err
	}
	if np := NormalizePattern(pattern); np != pattern {
		return m.store.Delete(ctx, userID, np)
	}
	return nil
}

// List returns the records stored for the user.
func (m *Manager) List(ctx context.Context, userID string) ([]Record, error) {
	return m.store.List(ctx, userID)
}

func (m *Manager) matches(r Record, resource string) bool {
	if r.Exact {
		return r.Pattern == resource
	}
	return m.m.match(r.Pattern, resource)
}
