// Package memory provides an in-memory BackingStore used by tests and
// local dry runs. Semantics mirror the vault-backed store: path-addressed
// JSON documents, named policies, token introspection and role policies.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

// Store is a thread-safe in-memory svcacct.BackingStore.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]map[string]interface{}
	policies map[string]string
	tokens   map[string]*svcacct.TokenInfo
	roles    map[svcacct.SubjectKind]map[string][]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[string]map[string]interface{}),
		policies: make(map[string]string),
		tokens:   make(map[string]*svcacct.TokenInfo),
		roles: map[svcacct.SubjectKind]map[string][]string{
			svcacct.SubjectAppRole: make(map[string][]string),
			svcacct.SubjectAWSRole: make(map[string][]string),
		},
	}
}

// Read implements svcacct.BackingStore.
func (s *Store) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[path]
	if !exists {
		return nil, svcacct.ErrNotFound("path", path)
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

// Write implements svcacct.BackingStore.
func (s *Store) Write(ctx context.Context, path string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(map[string]interface{}, len(data))
	for k, v := range data {
		doc[k] = v
	}
	s.docs[path] = doc
	return nil
}

// Delete implements svcacct.BackingStore. Deleting an absent path succeeds.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
	return nil
}

// List implements svcacct.BackingStore, returning the immediate child
// names under path.
func (s *Store) List(ctx context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]struct{})
	var children []string
	for p := range s.docs {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child := strings.SplitN(strings.TrimPrefix(p, prefix), "/", 2)[0]
		if _, dup := seen[child]; dup {
			continue
		}
		seen[child] = struct{}{}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, svcacct.ErrNotFound("path", path)
	}
	return children, nil
}

// Query implements svcacct.BackingStore. Lookups resolve against the
// document at path, or at path/{alias_name|name} when the params carry a
// selector, mirroring how identity lookups address a single record.
func (s *Store) Query(ctx context.Context, path string, params map[string]interface{}) (map[string]interface{}, error) {
	if v, ok := params["alias_name"].(string); ok {
		return s.Read(ctx, path+"/"+v)
	}
	if v, ok := params["name"].(string); ok {
		return s.Read(ctx, path+"/"+v)
	}
	return s.Read(ctx, path)
}

// CreatePolicy implements svcacct.BackingStore.
func (s *Store) CreatePolicy(ctx context.Context, name, rules string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[name] = rules
	return nil
}

// DeletePolicy implements svcacct.BackingStore.
func (s *Store) DeletePolicy(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, name)
	return nil
}

// LookupToken implements svcacct.BackingStore.
func (s *Store) LookupToken(ctx context.Context, token string) (*svcacct.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, exists := s.tokens[token]
	if !exists {
		return nil, svcacct.ErrNotFound("token", "token")
	}
	out := *info
	return &out, nil
}

// RenewToken implements svcacct.BackingStore.
func (s *Store) RenewToken(ctx context.Context, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tokens[token]; !exists {
		return svcacct.ErrNotFound("token", "token")
	}
	return nil
}

// ReadRolePolicies implements svcacct.BackingStore.
func (s *Store) ReadRolePolicies(ctx context.Context, kind svcacct.SubjectKind, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies, exists := s.roles[kind][name]
	if !exists {
		return nil, svcacct.ErrNotFound(string(kind), name)
	}
	return append([]string(nil), policies...), nil
}

// WriteRolePolicies implements svcacct.BackingStore.
func (s *Store) WriteRolePolicies(ctx context.Context, kind svcacct.SubjectKind, name string, policies []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roles[kind][name]; !exists {
		return svcacct.ErrNotFound(string(kind), name)
	}
	s.roles[kind][name] = append([]string(nil), policies...)
	return nil
}

// Seeding helpers for tests and local runs.

// SetToken registers a token with its introspection result.
func (s *Store) SetToken(token string, info svcacct.TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &info
}

// SetRole registers an approle or awsrole with its policy list.
func (s *Store) SetRole(kind svcacct.SubjectKind, name string, policies []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[kind][name] = append([]string(nil), policies...)
}

// PolicyExists reports whether a named policy object is present.
func (s *Store) PolicyExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.policies[name]
	return exists
}

// PolicyNames returns all installed policy names.
func (s *Store) PolicyNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	return names
}
