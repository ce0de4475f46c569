// Package ldap implements the identity backend for directory-backed
// authentication. Users and groups are records under the store's ldap auth
// mount; policies are stored comma-joined, and the user record also carries
// its directory group list, which must survive policy rewrites.
package ldap

import (
	"context"
	"strings"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

const (
	userPathPrefix  = "auth/ldap/users/"
	groupPathPrefix = "auth/ldap/groups/"

	handleGroups = "groups"
)

// Backend is the directory-group svcacct.IdentityBackend.
type Backend struct {
	store svcacct.BackingStore
}

type factory struct{}

func (factory) New(store svcacct.BackingStore, _ svcacct.IdentityConfig) (svcacct.IdentityBackend, error) {
	return &Backend{store: store}, nil
}

func init() {
	svcacct.RegisterFactory(svcacct.VariantLDAP, factory{})
}

// Variant implements svcacct.IdentityBackend.
func (b *Backend) Variant() svcacct.Variant { return svcacct.VariantLDAP }

// SupportsGroups implements svcacct.IdentityBackend.
func (b *Backend) SupportsGroups() bool { return true }

// UserPolicies implements svcacct.IdentityBackend. The snapshot handle
// carries the user's directory group list so SetUserPolicies can write the
// record back whole.
func (b *Backend) UserPolicies(ctx context.Context, _ svcacct.Caller, username string) (*svcacct.PolicySnapshot, error) {
	data, err := b.store.Read(ctx, userPathPrefix+username)
	if err != nil {
		if svcacct.IsCategory(err, svcacct.CategoryNotFound) {
			return nil, svcacct.ErrNotFound("user", username)
		}
		return nil, err
	}
	groups, _ := data["groups"].(string)
	return &svcacct.PolicySnapshot{
		Policies: policyList(data["policies"]),
		Handle:   map[string]string{handleGroups: groups},
	}, nil
}

// SetUserPolicies implements svcacct.IdentityBackend.
func (b *Backend) SetUserPolicies(ctx context.Context, _ svcacct.Caller, username string, policies []string, snap *svcacct.PolicySnapshot) error {
	doc := map[string]interface{}{
		"policies": strings.Join(policies, ","),
	}
	if snap != nil {
		if groups, ok := snap.Handle[handleGroups]; ok {
			doc["groups"] = groups
		}
	}
	return b.store.Write(ctx, userPathPrefix+username, doc)
}

// GroupPolicies implements svcacct.IdentityBackend.
func (b *Backend) GroupPolicies(ctx context.Context, _ svcacct.Caller, group string) (*svcacct.PolicySnapshot, error) {
	data, err := b.store.Read(ctx, groupPathPrefix+group)
	if err != nil {
		if svcacct.IsCategory(err, svcacct.CategoryNotFound) {
			return nil, svcacct.ErrNotFound("group", group)
		}
		return nil, err
	}
	return &svcacct.PolicySnapshot{Policies: policyList(data["policies"])}, nil
}

// SetGroupPolicies implements svcacct.IdentityBackend.
func (b *Backend) SetGroupPolicies(ctx context.Context, _ svcacct.Caller, group string, policies []string, _ *svcacct.PolicySnapshot) error {
	return b.store.Write(ctx, groupPathPrefix+group, map[string]interface{}{
		"policies": strings.Join(policies, ","),
	})
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
