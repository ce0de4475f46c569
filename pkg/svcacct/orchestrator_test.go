package svcacct_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/svcacct-manager/pkg/store/memory"
	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

const (
	testCloudAccount = "123456789012"
	testAccountName  = "svc_test"
	testAccountKey   = testCloudAccount + "_" + testAccountName
	adminPolicy      = "iamportal_admin_policy"
)

// fakeBackend is an in-memory IdentityBackend for tests.
type fakeBackend struct {
	variant      svcacct.Variant
	groupsOK     bool
	users        map[string][]string
	groups       map[string][]string
	failSetUser  error
	failSetGroup error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		variant:  svcacct.VariantLDAP,
		groupsOK: true,
		users:    make(map[string][]string),
		groups:   make(map[string][]string),
	}
}

func (b *fakeBackend) Variant() svcacct.Variant { return b.variant }
func (b *fakeBackend) SupportsGroups() bool     { return b.groupsOK }

func (b *fakeBackend) UserPolicies(_ context.Context, _ svcacct.Caller, username string) (*svcacct.PolicySnapshot, error) {
	policies, ok := b.users[username]
	if !ok {
		return nil, svcacct.ErrNotFound("user", username)
	}
	return &svcacct.PolicySnapshot{Policies: append([]string(nil), policies...)}, nil
}

func (b *fakeBackend) SetUserPolicies(_ context.Context, _ svcacct.Caller, username string, policies []string, _ *svcacct.PolicySnapshot) error {
	if b.failSetUser != nil {
		return b.failSetUser
	}
	b.users[username] = append([]string(nil), policies...)
	return nil
}

func (b *fakeBackend) GroupPolicies(_ context.Context, _ svcacct.Caller, group string) (*svcacct.PolicySnapshot, error) {
	policies, ok := b.groups[group]
	if !ok {
		return nil, svcacct.ErrNotFound("group", group)
	}
	return &svcacct.PolicySnapshot{Policies: append([]string(nil), policies...)}, nil
}

func (b *fakeBackend) SetGroupPolicies(_ context.Context, _ svcacct.Caller, group string, policies []string, _ *svcacct.PolicySnapshot) error {
	if b.failSetGroup != nil {
		return b.failSetGroup
	}
	b.groups[group] = append([]string(nil), policies...)
	return nil
}

// fakeMinter mints sequential key ids and records revocations.
type fakeMinter struct {
	counter    int
	revoked    []string
	failMint   error
	failRevoke error
}

func (m *fakeMinter) Mint(_ context.Context, _, _ string) (*svcacct.MintedCredential, error) {
	if m.failMint != nil {
		return nil, m.failMint
	}
	m.counter++
	return &svcacct.MintedCredential{
		AccessKeyID:    mintedKeyID(m.counter),
		SecretMaterial: "secret-material",
		ExpiryEpoch:    1900000000,
	}, nil
}

func (m *fakeMinter) Revoke(_ context.Context, _, _, accessKeyID string) error {
	if m.failRevoke != nil {
		return m.failRevoke
	}
	m.revoked = append(m.revoked, accessKeyID)
	return nil
}

func mintedKeyID(n int) string {
	return "AKIAMINTED00000000" + string(rune('A'+n-1))
}

type fixture struct {
	store   *memory.Store
	backend *fakeBackend
	minter  *fakeMinter
	orch    *svcacct.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	backend := newFakeBackend()
	backend.users["jdoe"] = []string{"default"}
	backend.users["jsmith"] = []string{"default"}

	minter := &fakeMinter{}
	guard := svcacct.NewGuard(store, svcacct.AuthzConfig{AdminPolicy: adminPolicy}, nil)
	rotation := svcacct.NewRotationManager(store, minter, guard, nil)
	orch := svcacct.NewOrchestrator(store, backend, rotation, guard)
	return &fixture{store: store, backend: backend, minter: minter, orch: orch}
}

func adminCaller() svcacct.Caller {
	return svcacct.Caller{
		Username:         "admin",
		Policies:         []string{adminPolicy},
		IdentityPolicies: []string{},
	}
}

func ownerCaller() svcacct.Caller {
	return svcacct.Caller{
		Username: "jdoe",
		Policies: []string{
			svcacct.PolicyName(svcacct.AccessOwner, testAccountKey),
			svcacct.PolicyName(svcacct.AccessWrite, testAccountKey),
		},
		IdentityPolicies: []string{},
	}
}

func onboardRequest() svcacct.OnboardRequest {
	return svcacct.OnboardRequest{
		AccountName:    testAccountName,
		CloudAccountID: testCloudAccount,
		Owner:          "jdoe",
		OwnerEmail:     "jdoe@example.com",
	}
}

func TestOnboard_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)
	assert.Equal(t, svcacct.MsgOnboardSuccess, result.Message)
	assert.Equal(t, testAccountKey, result.AccountKey)
	assert.Empty(t, result.Warnings)

	// All four policy objects are installed.
	for _, name := range svcacct.AccountPolicyNames(testAccountKey) {
		assert.True(t, f.store.PolicyExists(name), name)
	}

	// The owner got owner and write, and the metadata records both the
	// account shape and the owner grant. The account starts inactive.
	assert.Contains(t, f.backend.users["jdoe"], svcacct.PolicyName(svcacct.AccessOwner, testAccountKey))
	assert.Contains(t, f.backend.users["jdoe"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.False(t, meta.Activated)
	assert.Equal(t, "write", meta.Users["jdoe"])
}

func TestOnboard_NonAdminForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Onboard(context.Background(), onboardRequest(), ownerCaller())
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryForbidden))
}

func TestOnboard_DuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)

	_, err = f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryConflict))
}

func TestOnboard_UppercaseNameIsNormalized(t *testing.T) {
	f := newFixture(t)
	req := onboardRequest()
	req.AccountName = "SVC_Test"

	result, err := f.orch.Onboard(context.Background(), req, adminCaller())
	require.NoError(t, err)
	assert.Equal(t, testAccountKey, result.AccountKey)
}

func TestOnboard_MissingOwnerRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.Owner = "ghost"

	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.Error(t, err)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))

	// Metadata and policies were compensated away.
	_, err = f.store.Read(ctx, svcacct.MetadataPath(testAccountKey))
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))
	for _, name := range svcacct.AccountPolicyNames(testAccountKey) {
		assert.False(t, f.store.PolicyExists(name), name)
	}
}

func TestOnboard_StuckRollbackReportsOrphanedMetadata(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{
		BackingStore:   memory.New(),
		failDeletePath: svcacct.MetadataPath(testAccountKey),
	}
	backend := newFakeBackend()
	minter := &fakeMinter{}
	guard := svcacct.NewGuard(store, svcacct.AuthzConfig{AdminPolicy: adminPolicy}, nil)
	rotation := svcacct.NewRotationManager(store, minter, guard, nil)
	orch := svcacct.NewOrchestrator(store, backend, rotation, guard)

	// The owner grant step fails, and undoing the metadata write fails too.
	req := onboardRequest()
	req.Owner = "ghost"
	_, err := orch.Onboard(ctx, req, adminCaller())
	require.Error(t, err)

	var rb *svcacct.RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Contains(t, rb.OrphanedResources, "metadata "+svcacct.MetadataPath(testAccountKey))
	assert.Contains(t, err.Error(), svcacct.MsgContactAdmin)
}

func TestOnboard_SelfSupportGroupFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	req := onboardRequest()
	req.SelfSupportGroup = "missing-group"

	result, err := f.orch.Onboard(context.Background(), req, adminCaller())
	require.NoError(t, err)
	assert.Equal(t, svcacct.MsgOnboardSuccess, result.Message)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "self-support group missing-group")
}

func TestOnboard_SelfSupportGroupGranted(t *testing.T) {
	f := newFixture(t)
	f.backend.groups["svc-support"] = []string{"default"}
	req := onboardRequest()
	req.SelfSupportGroup = "svc-support"

	result, err := f.orch.Onboard(context.Background(), req, adminCaller())
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
	assert.Contains(t, f.backend.groups["svc-support"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))
}

func TestOnboard_SeedSecretsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.SeedSecrets = []svcacct.SeedSecret{
		{AccessKeyID: "AKIASEED0000000001", AccessKeySecret: "s1"},
		{AccessKeyID: "AKIASEED0000000002", AccessKeySecret: "s2"},
	}

	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.NoError(t, err)

	for slot := 1; slot <= 2; slot++ {
		doc, err := f.store.Read(ctx, svcacct.SecretPath(testAccountKey, slot))
		require.NoError(t, err)
		assert.Equal(t, req.SeedSecrets[slot-1].AccessKeyID, doc["accessKeyId"])
	}

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	require.Len(t, meta.Secret, 2)
	assert.Equal(t, 1, meta.Secret[0].SlotIndex)
	assert.Equal(t, 2, meta.Secret[1].SlotIndex)
}

func TestActivate_RotatesSeedsAndMarksActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.SeedSecrets = []svcacct.SeedSecret{{AccessKeyID: "AKIASEED0000000001", AccessKeySecret: "s1"}}
	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.NoError(t, err)

	result, err := f.orch.Activate(ctx, testAccountKey, ownerCaller())
	require.NoError(t, err)
	assert.Equal(t, svcacct.MsgActivateSuccess, result.Message)
	assert.Equal(t, []string{"AKIASEED0000000001"}, result.RotatedKeys)

	doc, err := f.store.Read(ctx, svcacct.SecretPath(testAccountKey, 1))
	require.NoError(t, err)
	assert.NotEqual(t, "AKIASEED0000000001", doc["accessKeyId"])

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.True(t, meta.Activated)

	// The replaced seed key was revoked at the provider.
	assert.Contains(t, f.minter.revoked, "AKIASEED0000000001")
}

func TestActivate_AlreadyActiveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.SeedSecrets = []svcacct.SeedSecret{{AccessKeyID: "AKIASEED0000000001"}}
	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.NoError(t, err)
	_, err = f.orch.Activate(ctx, testAccountKey, ownerCaller())
	require.NoError(t, err)

	_, err = f.orch.Activate(ctx, testAccountKey, ownerCaller())
	require.Error(t, err)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryConflict))
	assert.Contains(t, err.Error(), svcacct.MsgAlreadyActive)
}

func TestActivate_MintFailureKeepsAccountInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.SeedSecrets = []svcacct.SeedSecret{{AccessKeyID: "AKIASEED0000000001"}}
	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.NoError(t, err)

	f.minter.failMint = errors.New("provider down")
	_, err = f.orch.Activate(ctx, testAccountKey, ownerCaller())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the account remains inactive")

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.False(t, meta.Activated)
}

func TestActivate_NoSecretsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)

	_, err = f.orch.Activate(ctx, testAccountKey, ownerCaller())
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryValidation))
}

func grantReq(kind svcacct.SubjectKind, subject string, level svcacct.AccessLevel) svcacct.GrantRequest {
	return svcacct.GrantRequest{
		AccountKey: testAccountKey,
		Kind:       kind,
		SubjectID:  subject,
		Level:      level,
	}
}

// activateFixture onboards with a seed and activates the account.
func activateFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	req := onboardRequest()
	req.SeedSecrets = []svcacct.SeedSecret{{AccessKeyID: "AKIASEED0000000001"}}
	_, err := f.orch.Onboard(ctx, req, adminCaller())
	require.NoError(t, err)
	_, err = f.orch.Activate(ctx, testAccountKey, ownerCaller())
	require.NoError(t, err)
	return f
}

func TestGrant_OwnerGrantsUserWrite(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()

	result, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)
	assert.Contains(t, result.Message, "Successfully added user permission")
	assert.Contains(t, f.backend.users["jsmith"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.Equal(t, "write", meta.Users["jsmith"])
}

func TestGrant_DenyReplacesWrite(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()

	_, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)
	_, err = f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessDeny), ownerCaller())
	require.NoError(t, err)

	assert.Contains(t, f.backend.users["jsmith"], svcacct.PolicyName(svcacct.AccessDeny, testAccountKey))
	assert.NotContains(t, f.backend.users["jsmith"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))
}

func TestGrant_NonOwnerForbidden(t *testing.T) {
	f := activateFixture(t)
	stranger := svcacct.Caller{Username: "mallory", Policies: []string{"default"}, IdentityPolicies: []string{}}

	_, err := f.orch.Grant(context.Background(), grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessRead), stranger)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryForbidden))
}

func TestGrant_ReadBeforeActivationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)

	_, err = f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessRead), ownerCaller())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only rotate (write) permission can be granted before the service account is activated")
}

func TestGrant_WriteBeforeActivationAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)

	_, err = f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	assert.NoError(t, err)
}

func TestGrant_OwnerCannotBeDemoted(t *testing.T) {
	f := activateFixture(t)

	_, err := f.orch.Grant(context.Background(), grantReq(svcacct.SubjectUser, "jdoe", svcacct.AccessDeny), ownerCaller())
	require.Error(t, err)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryValidation))
}

func TestGrant_RoleSubject(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()
	f.store.SetRole(svcacct.SubjectAppRole, "deployer", []string{"default"})

	_, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectAppRole, "deployer", svcacct.AccessRead), ownerCaller())
	require.NoError(t, err)

	policies, err := f.store.ReadRolePolicies(ctx, svcacct.SubjectAppRole, "deployer")
	require.NoError(t, err)
	assert.Contains(t, policies, svcacct.PolicyName(svcacct.AccessRead, testAccountKey))
}

func TestGrant_GroupsUnsupportedIsNoOp(t *testing.T) {
	f := activateFixture(t)
	f.backend.variant = svcacct.VariantUserPass
	f.backend.groupsOK = false

	result, err := f.orch.Grant(context.Background(), grantReq(svcacct.SubjectGroup, "some-group", svcacct.AccessRead), ownerCaller())
	require.NoError(t, err)
	assert.Contains(t, result.Message, "not supported")
}

func TestRevoke_StripsAllLevels(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()
	_, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)

	result, err := f.orch.Revoke(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)
	assert.Contains(t, result.Message, "Successfully removed user permissions")
	assert.NotContains(t, f.backend.users["jsmith"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.NotContains(t, meta.Users, "jsmith")
}

func TestRevoke_OwnerRejected(t *testing.T) {
	f := activateFixture(t)

	_, err := f.orch.Revoke(context.Background(), grantReq(svcacct.SubjectUser, "jdoe", svcacct.AccessWrite), ownerCaller())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the owner's grant cannot be revoked")
}

func TestRevoke_VanishedSubjectCleansOrphan(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()
	_, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)

	// The user disappears from the identity backend.
	delete(f.backend.users, "jsmith")

	result, err := f.orch.Revoke(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)
	assert.Contains(t, result.Message, "is not available in the identity backend; the assignment was removed")

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	assert.NotContains(t, meta.Users, "jsmith")
}

func TestOffboard_RemovesEverything(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()
	_, err := f.orch.Grant(ctx, grantReq(svcacct.SubjectUser, "jsmith", svcacct.AccessWrite), ownerCaller())
	require.NoError(t, err)

	result, err := f.orch.Offboard(ctx, testAccountKey, adminCaller())
	require.NoError(t, err)
	assert.Equal(t, svcacct.MsgOffboardSuccess, result.Message)

	for _, name := range svcacct.AccountPolicyNames(testAccountKey) {
		assert.False(t, f.store.PolicyExists(name), name)
	}
	_, err = f.store.Read(ctx, svcacct.MetadataPath(testAccountKey))
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))
	_, err = f.store.Read(ctx, svcacct.SecretPath(testAccountKey, 1))
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))

	// Owner and grantee both lost the account's policy names.
	assert.NotContains(t, f.backend.users["jdoe"], svcacct.PolicyName(svcacct.AccessOwner, testAccountKey))
	assert.NotContains(t, f.backend.users["jsmith"], svcacct.PolicyName(svcacct.AccessWrite, testAccountKey))
}

func TestOffboard_NonAdminForbidden(t *testing.T) {
	f := activateFixture(t)
	_, err := f.orch.Offboard(context.Background(), testAccountKey, ownerCaller())
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryForbidden))
}

func TestOffboard_UnknownAccountStillSucceeds(t *testing.T) {
	f := newFixture(t)
	result, err := f.orch.Offboard(context.Background(), "999999999999_svc_ghost", adminCaller())
	require.NoError(t, err)
	assert.Equal(t, svcacct.MsgOffboardSuccess, result.Message)
}

func TestListOnboarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keys, err := f.orch.ListOnboarded(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = f.orch.Onboard(ctx, onboardRequest(), adminCaller())
	require.NoError(t, err)

	keys, err = f.orch.ListOnboarded(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testAccountKey}, keys)
}

func TestAccessKeys_DeniedCallerRejected(t *testing.T) {
	f := activateFixture(t)
	denied := svcacct.Caller{
		Username: "mallory",
		Policies: []string{
			svcacct.PolicyName(svcacct.AccessRead, testAccountKey),
			svcacct.PolicyName(svcacct.AccessDeny, testAccountKey),
		},
		IdentityPolicies: []string{},
	}

	_, err := f.orch.AccessKeys(context.Background(), testAccountKey, denied)
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryForbidden))
}

func TestReadCredential_FindsKeyAcrossSlots(t *testing.T) {
	f := activateFixture(t)
	ctx := context.Background()

	meta, err := svcacct.LoadMetadata(ctx, f.store, testAccountKey)
	require.NoError(t, err)
	require.NotEmpty(t, meta.Secret)
	keyID := meta.Secret[0].AccessKeyID

	doc, err := f.orch.ReadCredential(ctx, testAccountKey, keyID, ownerCaller())
	require.NoError(t, err)
	assert.Equal(t, keyID, doc["accessKeyId"])

	_, err = f.orch.ReadCredential(ctx, testAccountKey, "AKIAUNKNOWN0000001", ownerCaller())
	assert.True(t, svcacct.IsCategory(err, svcacct.CategoryNotFound))
}
