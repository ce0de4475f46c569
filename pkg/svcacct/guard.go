package svcacct

import (
	"context"
	"log/slog"
)

// Guard implements the authorization predicates. All answers derive from
// the caller's token introspection plus the precedence merge of its two
// policy lists; no state is cached between calls.
type Guard struct {
	store       BackingStore
	adminPolicy string
	exception   BootstrapException
	logger      *slog.Logger
}

// NewGuard creates a guard bound to the configured admin policy and the
// single bootstrap exception.
func NewGuard(store BackingStore, cfg AuthzConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:       store,
		adminPolicy: cfg.AdminPolicy,
		exception:   cfg.Exception,
		logger:      logger,
	}
}

// EffectivePolicies returns the caller's merged policy set. Callers that
// already carry both lists are not re-introspected.
func (g *Guard) EffectivePolicies(ctx context.Context, caller Caller) ([]string, error) {
	policies := caller.Policies
	identity := caller.IdentityPolicies
	if policies == nil && identity == nil {
		info, err := g.store.LookupToken(ctx, caller.Token)
		if err != nil {
			return nil, ErrBackend("token lookup failed").WithOperation("authorize").WithCause(err)
		}
		policies = info.Policies
		identity = info.IdentityPolicies
	}
	return MergeAcrossSources(policies, identity), nil
}

// IsOwner reports whether the caller holds the account's owner policy.
func (g *Guard) IsOwner(ctx context.Context, caller Caller, accountKey string) (bool, error) {
	merged, err := g.EffectivePolicies(ctx, caller)
	if err != nil {
		return false, err
	}
	return HasPolicy(merged, AccessOwner, accountKey), nil
}

// IsBootstrapAdmin reports whether the caller's token carries the fixed
// bootstrap-admin policy. Only the token-level list counts here; admin
// rights are never inherited through identity policies.
func (g *Guard) IsBootstrapAdmin(ctx context.Context, caller Caller) (bool, error) {
	policies := caller.Policies
	if policies == nil {
		info, err := g.store.LookupToken(ctx, caller.Token)
		if err != nil {
			return false, ErrBackend("token lookup failed").WithOperation("authorize").WithCause(err)
		}
		policies = info.Policies
	}
	for _, p := range policies {
		if p == g.adminPolicy {
			return true, nil
		}
	}
	return false, nil
}

// CanRotate reports whether the caller may rotate the account's keys:
// write policy on the account, owner, or bootstrap admin.
func (g *Guard) CanRotate(ctx context.Context, caller Caller, accountKey string) (bool, error) {
	merged, err := g.EffectivePolicies(ctx, caller)
	if err != nil {
		return false, err
	}
	if HasPolicy(merged, AccessWrite, accountKey) || HasPolicy(merged, AccessOwner, accountKey) {
		return true, nil
	}
	return g.IsBootstrapAdmin(ctx, caller)
}

// CanRead reports whether the caller may read the account's stored
// credentials. A deny policy in the merged set wins over everything.
func (g *Guard) CanRead(ctx context.Context, caller Caller, accountKey string) (bool, error) {
	merged, err := g.EffectivePolicies(ctx, caller)
	if err != nil {
		return false, err
	}
	if HasPolicy(merged, AccessDeny, accountKey) {
		return false, nil
	}
	if HasPolicy(merged, AccessRead, accountKey) ||
		HasPolicy(merged, AccessWrite, accountKey) ||
		HasPolicy(merged, AccessOwner, accountKey) {
		return true, nil
	}
	return g.IsBootstrapAdmin(ctx, caller)
}

// IsBootstrapException reports whether the request matches the one
// hardcoded approle/account/read triple allowed to bypass ownership. The
// exception exists for a single platform approle and must not be widened.
func (g *Guard) IsBootstrapException(approle, accountKey string, level AccessLevel) bool {
	return g.exception.AppRole != "" &&
		approle == g.exception.AppRole &&
		accountKey == g.exception.AccountKey &&
		level == AccessRead
}
