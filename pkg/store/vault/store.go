// Package vault implements the backing store on HashiCorp Vault. Paths
// map onto a KV mount, policy objects onto sys/policy, and tokens onto the
// token auth endpoints.
package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

// Store is a svcacct.BackingStore backed by a Vault server.
type Store struct {
	client *api.Client
}

// New creates a store from configuration.
func New(cfg svcacct.StoreConfig) (*Store, error) {
	conf := api.DefaultConfig()
	conf.Address = cfg.Address

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	return &Store{client: client}, nil
}

// Read implements svcacct.BackingStore.
func (s *Store) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, svcacct.ErrBackend("store read failed").WithOperation("read").WithCause(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, svcacct.ErrNotFound("path", path)
	}
	return secret.Data, nil
}

// Write implements svcacct.BackingStore.
func (s *Store) Write(ctx context.Context, path string, data map[string]interface{}) error {
	if _, err := s.client.Logical().WriteWithContext(ctx, path, data); err != nil {
		return svcacct.ErrBackend("store write failed").WithOperation("write").WithCause(err)
	}
	return nil
}

// Delete implements svcacct.BackingStore.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return svcacct.ErrBackend("store delete failed").WithOperation("delete").WithCause(err)
	}
	return nil
}

// List implements svcacct.BackingStore.
func (s *Store) List(ctx context.Context, path string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, svcacct.ErrBackend("store list failed").WithOperation("list").WithCause(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, svcacct.ErrNotFound("path", path)
	}
	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			keys = append(keys, strings.TrimSuffix(name, "/"))
		}
	}
	return keys, nil
}

// Query implements svcacct.BackingStore: a write-style call whose
// response body matters, such as identity lookups and group creation.
func (s *Store) Query(ctx context.Context, path string, params map[string]interface{}) (map[string]interface{}, error) {
	secret, err := s.client.Logical().WriteWithContext(ctx, path, params)
	if err != nil {
		return nil, svcacct.ErrBackend("store query failed").WithOperation("query").WithCause(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, svcacct.ErrNotFound("path", path)
	}
	return secret.Data, nil
}

// CreatePolicy implements svcacct.BackingStore.
func (s *Store) CreatePolicy(ctx context.Context, name, rules string) error {
	if err := s.client.Sys().PutPolicyWithContext(ctx, name, rules); err != nil {
		return svcacct.ErrBackend("policy create failed").
			WithOperation("createPolicy").WithResource("policy", name).WithCause(err)
	}
	return nil
}

// DeletePolicy implements svcacct.BackingStore.
func (s *Store) DeletePolicy(ctx context.Context, name string) error {
	if err := s.client.Sys().DeletePolicyWithContext(ctx, name); err != nil {
		return svcacct.ErrBackend("policy delete failed").
			WithOperation("deletePolicy").WithResource("policy", name).WithCause(err)
	}
	return nil
}

// LookupToken implements svcacct.BackingStore.
func (s *Store) LookupToken(ctx context.Context, token string) (*svcacct.TokenInfo, error) {
	secret, err := s.client.Auth().Token().LookupWithContext(ctx, token)
	if err != nil {
		return nil, svcacct.ErrBackend("token lookup failed").WithOperation("lookupToken").WithCause(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, svcacct.ErrNotFound("token", "token")
	}
	info := &svcacct.TokenInfo{
		Policies:         stringSlice(secret.Data["policies"]),
		IdentityPolicies: stringSlice(secret.Data["identity_policies"]),
	}
	if name, ok := secret.Data["display_name"].(string); ok {
		info.Username = strings.TrimPrefix(name, "token-")
	}
	return info, nil
}

// RenewToken implements svcacct.BackingStore.
func (s *Store) RenewToken(ctx context.Context, token string) error {
	if _, err := s.client.Auth().Token().RenewWithContext(ctx, token, 0); err != nil {
		return svcacct.ErrBackend("token renew failed").WithOperation("renewToken").WithCause(err)
	}
	return nil
}

// ReadRolePolicies implements svcacct.BackingStore.
func (s *Store) ReadRolePolicies(ctx context.Context, kind svcacct.SubjectKind, name string) ([]string, error) {
	path, field, err := rolePath(kind, name)
	if err != nil {
		return nil, err
	}
	data, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return stringSlice(data[field]), nil
}

// WriteRolePolicies implements svcacct.BackingStore.
func (s *Store) WriteRolePolicies(ctx context.Context, kind svcacct.SubjectKind, name string, policies []string) error {
	path, field, err := rolePath(kind, name)
	if err != nil {
		return err
	}
	return s.Write(ctx, path, map[string]interface{}{field: strings.Join(policies, ",")})
}

func rolePath(kind svcacct.SubjectKind, name string) (path, policyField string, err error) {
	switch kind {
	case svcacct.SubjectAppRole:
		return "auth/approle/role/" + name, "token_policies", nil
	case svcacct.SubjectAWSRole:
		return "auth/aws/role/" + name, "policies", nil
	}
	return "", "", svcacct.ErrValidation(fmt.Sprintf("subject kind %s has no role endpoint", kind))
}

// stringSlice coerces the store's policy fields, which arrive as either a
// JSON array or a comma-joined string.
func stringSlice(v interface{}) []string {
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
