// Package oidc implements the identity backend for SSO-authenticated
// accounts. User policies live on identity entities resolved through alias
// lookup. Group policies live on external identity groups whose alias binds
// the group to its directory object id, and a group's policy list can only
// change by deleting and recreating the group plus its alias. The backend
// restores the previous group state itself when that dance fails partway.
package oidc

import (
	"context"
	"log/slog"

	ilog "github.com/anirudhbiyani/svcacct-manager/internal/log"
	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

const (
	entityLookupPath = "identity/lookup/entity"
	entityNamePrefix = "identity/entity/name/"
	groupNamePrefix  = "identity/group/name/"
	groupAliasPath   = "identity/group-alias"
	groupAliasIDPath = "identity/group-alias/id/"

	handleEntityName  = "entity_name"
	handleCanonicalID = "canonical_id"
	handleAliasID     = "alias_id"
	handleObjectID    = "object_id"
)

// GraphClient resolves directory groups to their object ids. The concrete
// implementation wraps the Microsoft Graph SDK; tests substitute a fake.
type GraphClient interface {
	// GroupObjectID returns the object id of the cloud-native directory
	// group with the given display name. Fails with CategoryNotFound when
	// no such group exists.
	GroupObjectID(ctx context.Context, displayName string) (string, error)
}

// Backend is the SSO svcacct.IdentityBackend.
type Backend struct {
	store         svcacct.BackingStore
	graph         GraphClient
	mountAccessor string
	logger        *slog.Logger
}

type factory struct{}

func (factory) New(store svcacct.BackingStore, cfg svcacct.IdentityConfig) (svcacct.IdentityBackend, error) {
	graph, err := newGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithGraph(store, graph, cfg.MountAccessor), nil
}

func init() {
	svcacct.RegisterFactory(svcacct.VariantOIDC, factory{})
}

// NewWithGraph builds a backend around an existing graph client.
func NewWithGraph(store svcacct.BackingStore, graph GraphClient, mountAccessor string) *Backend {
	return &Backend{
		store:         store,
		graph:         graph,
		mountAccessor: mountAccessor,
		logger:        ilog.WithComponent(slog.Default(), "oidc"),
	}
}

// Variant implements svcacct.IdentityBackend.
func (b *Backend) Variant() svcacct.Variant { return svcacct.VariantOIDC }

// SupportsGroups implements svcacct.IdentityBackend.
func (b *Backend) SupportsGroups() bool { return true }

// UserPolicies implements svcacct.IdentityBackend. The user's entity is
// resolved through alias lookup; the entity name rides in the snapshot
// handle so SetUserPolicies can address the entity without a second lookup.
func (b *Backend) UserPolicies(ctx context.Context, _ svcacct.Caller, username string) (*svcacct.PolicySnapshot, error) {
	data, err := b.store.Query(ctx, entityLookupPath, map[string]interface{}{
		"alias_name":           username,
		"alias_mount_accessor": b.mountAccessor,
	})
	if err != nil {
		if svcacct.IsCategory(err, svcacct.CategoryNotFound) {
			return nil, svcacct.ErrNotFound("user", username)
		}
		return nil, err
	}
	entityName, _ := data["name"].(string)
	if entityName == "" {
		return nil, svcacct.ErrNotFound("user", username)
	}
	return &svcacct.PolicySnapshot{
		Policies: stringList(data["policies"]),
		Handle:   map[string]string{handleEntityName: entityName},
	}, nil
}

// SetUserPolicies implements svcacct.IdentityBackend. The caller token is
// renewed afterwards so a self-affecting change takes effect immediately.
func (b *Backend) SetUserPolicies(ctx context.Context, caller svcacct.Caller, username string, policies []string, snap *svcacct.PolicySnapshot) error {
	entityName := username
	if snap != nil {
		if name, ok := snap.Handle[handleEntityName]; ok && name != "" {
			entityName = name
		}
	}
	err := b.store.Write(ctx, entityNamePrefix+entityName, map[string]interface{}{
		"policies": policies,
		"disabled": false,
	})
	if err != nil {
		return err
	}
	b.renewCallerToken(ctx, caller)
	return nil
}

// GroupPolicies implements svcacct.IdentityBackend. The snapshot handle
// carries the group's canonical id and alias id for the recreate dance.
func (b *Backend) GroupPolicies(ctx context.Context, _ svcacct.Caller, group string) (*svcacct.PolicySnapshot, error) {
	data, err := b.store.Read(ctx, groupNamePrefix+group)
	if err != nil {
		if svcacct.IsCategory(err, svcacct.CategoryNotFound) {
			return nil, svcacct.ErrNotFound("group", group)
		}
		return nil, err
	}

	handle := map[string]string{}
	if id, ok := data["id"].(string); ok {
		handle[handleCanonicalID] = id
	}
	if alias, ok := data["alias"].(map[string]interface{}); ok {
		if id, ok := alias["id"].(string); ok {
			handle[handleAliasID] = id
		}
		if name, ok := alias["name"].(string); ok {
			handle[handleObjectID] = name
		}
	}
	return &svcacct.PolicySnapshot{
		Policies: stringList(data["policies"]),
		Handle:   handle,
	}, nil
}

// SetGroupPolicies implements svcacct.IdentityBackend. The group's policy
// list cannot be updated in place: the alias and group are deleted, the
// group is recreated with the new policies, and a fresh alias binds it back
// to the directory object id. On failure after deletion the previous group
// and alias are restored from the snapshot before the error is returned.
func (b *Backend) SetGroupPolicies(ctx context.Context, caller svcacct.Caller, group string, policies []string, snap *svcacct.PolicySnapshot) error {
	if snap == nil {
		return svcacct.ErrValidation("group snapshot is required").WithResource("group", group)
	}

	objectID := snap.Handle[handleObjectID]
	if objectID == "" {
		id, err := b.graph.GroupObjectID(ctx, group)
		if err != nil {
			return err
		}
		objectID = id
	}

	if aliasID := snap.Handle[handleAliasID]; aliasID != "" {
		if err := b.store.Delete(ctx, groupAliasIDPath+aliasID); err != nil {
			return err
		}
	}
	if err := b.store.Delete(ctx, groupNamePrefix+group); err != nil {
		b.restoreGroup(ctx, group, objectID, snap)
		return err
	}

	canonicalID, err := b.recreateGroup(ctx, group, objectID, policies)
	if err != nil {
		b.restoreGroup(ctx, group, objectID, snap)
		return err
	}

	b.logger.InfoContext(ctx, "group policies replaced",
		slog.String("group", group),
		slog.String("canonical_id", canonicalID))
	b.renewCallerToken(ctx, caller)
	return nil
}

// recreateGroup writes the external group with the given policies and binds
// a fresh alias to the directory object id. Returns the new canonical id.
func (b *Backend) recreateGroup(ctx context.Context, group, objectID string, policies []string) (string, error) {
	data, err := b.store.Query(ctx, groupNamePrefix+group, map[string]interface{}{
		"policies": policies,
		"type":     "external",
	})
	if err != nil && !svcacct.IsCategory(err, svcacct.CategoryNotFound) {
		return "", err
	}

	canonicalID, _ := data["id"].(string)
	if canonicalID == "" {
		// Some store versions return no body on group creation; re-read.
		created, rerr := b.store.Read(ctx, groupNamePrefix+group)
		if rerr != nil {
			return "", rerr
		}
		canonicalID, _ = created["id"].(string)
	}

	err = b.store.Write(ctx, groupAliasPath, map[string]interface{}{
		"name":           objectID,
		"mount_accessor": b.mountAccessor,
		"canonical_id":   canonicalID,
	})
	if err != nil {
		return "", err
	}
	return canonicalID, nil
}

// restoreGroup puts the group back the way the snapshot describes it. Runs
// best-effort; a failed restore is logged and the original error still wins.
func (b *Backend) restoreGroup(ctx context.Context, group, objectID string, snap *svcacct.PolicySnapshot) {
	if _, err := b.recreateGroup(ctx, group, objectID, snap.Policies); err != nil {
		b.logger.ErrorContext(ctx, "failed to restore group after aborted policy update",
			slog.String("group", group),
			slog.String(ilog.FieldError, err.Error()))
	}
}

func (b *Backend) renewCallerToken(ctx context.Context, caller svcacct.Caller) {
	if caller.Token == "" {
		return
	}
	if err := b.store.RenewToken(ctx, caller.Token); err != nil {
		b.logger.WarnContext(ctx, "token renew after policy update failed",
			slog.String(ilog.FieldError, err.Error()))
	}
}

func stringList(v interface{}) []string {
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
	}
	return nil
}
