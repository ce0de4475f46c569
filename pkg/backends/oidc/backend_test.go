package oidc

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/svcacct-manager/pkg/store/memory"
	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

type fakeGraph struct {
	id    string
	err   error
	calls int
}

func (g *fakeGraph) GroupObjectID(ctx context.Context, displayName string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.id, nil
}

// groupStore extends the memory store so Query against a group-name path
// creates the group, the way the real store does for external groups.
type groupStore struct {
	*memory.Store
	created     int
	failCreates int
}

func (s *groupStore) Query(ctx context.Context, path string, params map[string]interface{}) (map[string]interface{}, error) {
	if strings.HasPrefix(path, groupNamePrefix) {
		if s.failCreates > 0 {
			s.failCreates--
			return nil, svcacct.ErrBackend("group creation refused")
		}
		s.created++
		doc := map[string]interface{}{
			"id":       fmt.Sprintf("canonical-%d", s.created),
			"policies": params["policies"],
			"type":     "external",
		}
		if err := s.Store.Write(ctx, path, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	return s.Store.Query(ctx, path, params)
}

func seedGroup(t *testing.T, store svcacct.BackingStore, group string) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), groupNamePrefix+group, map[string]interface{}{
		"id":       "canonical-0",
		"policies": []string{"default"},
		"alias": map[string]interface{}{
			"id":   "alias-0",
			"name": "obj-123",
		},
	}))
}

func TestUserPolicies_ResolvesEntityThroughAlias(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, entityLookupPath+"/jdoe", map[string]interface{}{
		"name":     "entity-jdoe",
		"policies": []string{"default", "extra"},
	}))

	b := NewWithGraph(store, &fakeGraph{}, "accessor-1")
	snap, err := b.UserPolicies(ctx, svcacct.Caller{}, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "extra"}, snap.Policies)
	assert.Equal(t, "entity-jdoe", snap.Handle[handleEntityName])
}

func TestUserPolicies_UnknownUserNotFound(t *testing.T) {
	b := NewWithGraph(memory.New(), &fakeGraph{}, "accessor-1")
	_, err := b.UserPolicies(context.Background(), svcacct.Caller{}, "ghost")
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))
}

func TestSetUserPolicies_AddressesEntityByName(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	b := NewWithGraph(store, &fakeGraph{}, "accessor-1")
	snap := &svcacct.PolicySnapshot{Handle: map[string]string{handleEntityName: "entity-jdoe"}}
	require.NoError(t, b.SetUserPolicies(ctx, svcacct.Caller{}, "jdoe", []string{"default"}, snap))

	doc, err := store.Read(ctx, entityNamePrefix+"entity-jdoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, doc["policies"])
	assert.Equal(t, false, doc["disabled"])
}

func TestGroupPolicies_HandleCarriesAliasBinding(t *testing.T) {
	store := memory.New()
	seedGroup(t, store, "eng")

	b := NewWithGraph(store, &fakeGraph{}, "accessor-1")
	snap, err := b.GroupPolicies(context.Background(), svcacct.Caller{}, "eng")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, snap.Policies)
	assert.Equal(t, "canonical-0", snap.Handle[handleCanonicalID])
	assert.Equal(t, "alias-0", snap.Handle[handleAliasID])
	assert.Equal(t, "obj-123", snap.Handle[handleObjectID])
}

func TestSetGroupPolicies_RecreatesGroupAndAlias(t *testing.T) {
	store := &groupStore{Store: memory.New()}
	ctx := context.Background()
	seedGroup(t, store, "eng")

	b := NewWithGraph(store, &fakeGraph{}, "accessor-1")
	snap, err := b.GroupPolicies(ctx, svcacct.Caller{}, "eng")
	require.NoError(t, err)

	require.NoError(t, b.SetGroupPolicies(ctx, svcacct.Caller{}, "eng", []string{"default", "added"}, snap))

	doc, err := store.Read(ctx, groupNamePrefix+"eng")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "added"}, stringList(doc["policies"]))
	assert.Equal(t, "canonical-1", doc["id"])

	alias, err := store.Read(ctx, groupAliasPath)
	require.NoError(t, err)
	assert.Equal(t, "obj-123", alias["name"])
	assert.Equal(t, "accessor-1", alias["mount_accessor"])
	assert.Equal(t, "canonical-1", alias["canonical_id"])
}

func TestSetGroupPolicies_ObjectIDFromGraphWhenAliasMissing(t *testing.T) {
	store := &groupStore{Store: memory.New()}
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, groupNamePrefix+"eng", map[string]interface{}{
		"id":       "canonical-0",
		"policies": []string{"default"},
	}))

	graph := &fakeGraph{id: "obj-from-graph"}
	b := NewWithGraph(store, graph, "accessor-1")
	snap, err := b.GroupPolicies(ctx, svcacct.Caller{}, "eng")
	require.NoError(t, err)

	require.NoError(t, b.SetGroupPolicies(ctx, svcacct.Caller{}, "eng", []string{"p"}, snap))
	assert.Equal(t, 1, graph.calls)

	alias, err := store.Read(ctx, groupAliasPath)
	require.NoError(t, err)
	assert.Equal(t, "obj-from-graph", alias["name"])
}

func TestSetGroupPolicies_RestoresGroupWhenRecreateFails(t *testing.T) {
	store := &groupStore{Store: memory.New()}
	ctx := context.Background()
	seedGroup(t, store, "eng")

	b := NewWithGraph(store, &fakeGraph{}, "accessor-1")
	snap, err := b.GroupPolicies(ctx, svcacct.Caller{}, "eng")
	require.NoError(t, err)

	// First recreate fails; the restore attempt afterwards succeeds.
	store.failCreates = 1
	err = b.SetGroupPolicies(ctx, svcacct.Caller{}, "eng", []string{"p"}, snap)
	require.Error(t, err)

	doc, rerr := store.Read(ctx, groupNamePrefix+"eng")
	require.NoError(t, rerr)
	assert.Equal(t, []string{"default"}, stringList(doc["policies"]))
}

func TestSetGroupPolicies_RequiresSnapshot(t *testing.T) {
	b := NewWithGraph(memory.New(), &fakeGraph{}, "accessor-1")
	err := b.SetGroupPolicies(context.Background(), svcacct.Caller{}, "eng", []string{"p"}, nil)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryValidation))
}
