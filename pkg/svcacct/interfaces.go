package svcacct

import (
	"context"
)

// BackingStore is the path-addressed secret/policy store every operation
// runs against. Implementations wrap a real store client; reads of absent
// paths fail with a CategoryNotFound error.
type BackingStore interface {
	// Read returns the JSON document at path.
	Read(ctx context.Context, path string) (map[string]interface{}, error)

	// Write stores a JSON document at path, replacing any existing one.
	Write(ctx context.Context, path string, data map[string]interface{}) error

	// Delete removes the document at path. Deleting an absent path is not
	// an error.
	Delete(ctx context.Context, path string) error

	// List returns the child names under path.
	List(ctx context.Context, path string) ([]string, error)

	// Query performs a write-style call that returns data, such as an
	// identity lookup. Fails with CategoryNotFound when nothing matches.
	Query(ctx context.Context, path string, params map[string]interface{}) (map[string]interface{}, error)

	// CreatePolicy installs or replaces a named policy object.
	CreatePolicy(ctx context.Context, name, rules string) error

	// DeletePolicy removes a named policy object.
	DeletePolicy(ctx context.Context, name string) error

	// LookupToken introspects a caller token.
	LookupToken(ctx context.Context, token string) (*TokenInfo, error)

	// RenewToken renews a caller token after its policies changed.
	RenewToken(ctx context.Context, token string) error

	// ReadRolePolicies returns the policy list attached to an approle or
	// awsrole.
	ReadRolePolicies(ctx context.Context, kind SubjectKind, name string) ([]string, error)

	// WriteRolePolicies replaces the policy list attached to an approle or
	// awsrole.
	WriteRolePolicies(ctx context.Context, kind SubjectKind, name string, policies []string) error
}

// TokenInfo is the result of token introspection. Policies and
// IdentityPolicies are independent lists; effective permissions come from
// MergeAcrossSources.
type TokenInfo struct {
	Username         string
	Policies         []string
	IdentityPolicies []string
}

// PolicySnapshot is a subject's current policy list plus whatever
// backend-specific context is needed to write back or restore it. Callers
// hold the snapshot so rollback never requires a re-read.
type PolicySnapshot struct {
	Policies []string

	// Handle carries backend-specific keys (entity name, group canonical
	// id, directory group list). Opaque to callers.
	Handle map[string]string
}

// IdentityBackend normalizes "get current policies" and "set policies" for
// users and groups across the three backend variants. The variant is fixed
// at startup; callers never dispatch on it except where the contract says
// group operations are unsupported.
type IdentityBackend interface {
	// Variant identifies the backend implementation.
	Variant() Variant

	// SupportsGroups reports whether group operations are meaningful.
	// When false, callers treat group grant/revoke as no-ops.
	SupportsGroups() bool

	// UserPolicies returns the user's current policies. Fails with
	// CategoryNotFound when the user does not exist in the backend.
	UserPolicies(ctx context.Context, caller Caller, username string) (*PolicySnapshot, error)

	// SetUserPolicies replaces the user's policies. The snapshot must be
	// the one returned by UserPolicies for the same user.
	SetUserPolicies(ctx context.Context, caller Caller, username string, policies []string, snap *PolicySnapshot) error

	// GroupPolicies returns the group's current policies. Fails with
	// CategoryNotFound when the group does not exist in the backend.
	GroupPolicies(ctx context.Context, caller Caller, group string) (*PolicySnapshot, error)

	// SetGroupPolicies replaces the group's policies. Variants that model
	// groups through aliasing perform their own restore when the aliasing
	// dance fails partway; callers do not compensate a second time.
	SetGroupPolicies(ctx context.Context, caller Caller, group string, policies []string, snap *PolicySnapshot) error
}

// CredentialMinter creates and revokes access keys at the cloud provider.
type CredentialMinter interface {
	// Mint creates a fresh access key for the principal. Provider-side key
	// quota exhaustion fails with a CategoryQuota error.
	Mint(ctx context.Context, cloudAccountID, principal string) (*MintedCredential, error)

	// Revoke deletes an access key at the provider.
	Revoke(ctx context.Context, cloudAccountID, principal, accessKeyID string) error
}

// Notifier delivers best-effort notifications. Failures are logged by the
// caller and never affect operation outcomes.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject string, vars map[string]string) error
}

// BackendFactory constructs an identity backend from configuration.
// Backend packages register factories via init().
type BackendFactory interface {
	New(store BackingStore, cfg IdentityConfig) (IdentityBackend, error)
}
