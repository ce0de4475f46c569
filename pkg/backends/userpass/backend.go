// Package userpass implements the identity backend for accounts
// authenticated by the store's username/password auth method. Policies
// attach directly to the user record; there is no group construct, so
// group operations are unsupported and callers treat them as no-ops.
package userpass

import (
	"context"
	"strings"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

const userPathPrefix = "auth/userpass/users/"

// Backend is the userpass svcacct.IdentityBackend.
type Backend struct {
	store svcacct.BackingStore
}

type factory struct{}

func (factory) New(store svcacct.BackingStore, _ svcacct.IdentityConfig) (svcacct.IdentityBackend, error) {
	return &Backend{store: store}, nil
}

func init() {
	svcacct.RegisterFactory(svcacct.VariantUserPass, factory{})
}

// Variant implements svcacct.IdentityBackend.
func (b *Backend) Variant() svcacct.Variant { return svcacct.VariantUserPass }

// SupportsGroups implements svcacct.IdentityBackend. Userpass has no groups.
func (b *Backend) SupportsGroups() bool { return false }

// UserPolicies implements svcacct.IdentityBackend.
func (b *Backend) UserPolicies(ctx context.Context, _ svcacct.Caller, username string) (*svcacct.PolicySnapshot, error) {
	data, err := b.store.Read(ctx, userPathPrefix+username)
	if err != nil {
		if svcacct.IsCategory(err, svcacct.CategoryNotFound) {
			return nil, svcacct.ErrNotFound("user", username)
		}
		return nil, err
	}
	return &svcacct.PolicySnapshot{Policies: policyList(data["token_policies"])}, nil
}

// SetUserPolicies implements svcacct.IdentityBackend.
func (b *Backend) SetUserPolicies(ctx context.Context, _ svcacct.Caller, username string, policies []string, _ *svcacct.PolicySnapshot) error {
	return b.store.Write(ctx, userPathPrefix+username, map[string]interface{}{
		"token_policies": strings.Join(policies, ","),
	})
}

// GroupPolicies implements svcacct.IdentityBackend. Always unsupported.
func (b *Backend) GroupPolicies(ctx context.Context, _ svcacct.Caller, group string) (*svcacct.PolicySnapshot, error) {
	return nil, svcacct.ErrValidation("group operations are not supported by the userpass backend").
		WithResource("group", group)
}

// SetGroupPolicies implements svcacct.IdentityBackend. Always unsupported.
func (b *Backend) SetGroupPolicies(ctx context.Context, _ svcacct.Caller, group string, _ []string, _ *svcacct.PolicySnapshot) error {
	return svcacct.ErrValidation("group operations are not supported by the userpass backend").
		WithResource("group", group)
}

func policyList(v interface{}) []string {
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	case string:
		if val == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}
