package svcacct

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	ilog "github.com/anirudhbiyani/svcacct-manager/internal/log"
)

// Orchestrator is the top-level surface for the service-account lifecycle:
// onboard, activate, grant, revoke, offboard, plus the read paths. Every
// operation authorizes through the Guard and reaches the backends through
// the adapter and the precedence resolver; partial failures compensate via
// the saga runner.
type Orchestrator struct {
	store    BackingStore
	identity IdentityBackend
	rotation *RotationManager
	guard    *Guard
	notifier Notifier
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the best-effort notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(store BackingStore, identity IdentityBackend, rotation *RotationManager, guard *Guard, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		identity: identity,
		rotation: rotation,
		guard:    guard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = ilog.WithComponent(o.logger, "orchestrator")
	return o
}

// Onboard brings a service account under management. Bootstrap-admin only.
// The flow is a saga: metadata, policies, owner grants, self-support group
// (non-fatal), seed secrets; any fatal step failure rolls back everything
// done so far.
func (o *Orchestrator) Onboard(ctx context.Context, req OnboardRequest, caller Caller) (*OnboardResult, error) {
	logger := ilog.WithRequestID(o.logger, uuid.NewString())

	admin, err := o.guard.IsBootstrapAdmin(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrForbidden("not authorized to perform onboarding of service accounts").
			WithOperation("onboard")
	}
	if err := ValidateOnboardRequest(req); err != nil {
		return nil, err
	}

	req.AccountName = strings.ToLower(req.AccountName)
	accountKey := AccountKey(req.CloudAccountID, req.AccountName)
	logger = logger.With(ilog.FieldAccount, accountKey)
	logger.Info("onboarding service account", ilog.FieldOperation, "onboard")

	// Existence check. Two racing onboards can both pass this; the second
	// metadata write wins (last-write-wins in the store).
	if _, err := o.store.Read(ctx, MetadataPath(accountKey)); err == nil {
		return nil, ErrConflict("service account is already onboarded").
			WithOperation("onboard").WithResource("service account", accountKey)
	} else if !IsCategory(err, CategoryNotFound) {
		return nil, ErrBackend("failed to check for existing service account").
			WithOperation("onboard").WithCause(err)
	}

	meta := &Metadata{
		Version:          MetadataVersion,
		AccountName:      req.AccountName,
		CloudAccountID:   req.CloudAccountID,
		Owner:            req.Owner,
		OwnerEmail:       req.OwnerEmail,
		SelfSupportGroup: req.SelfSupportGroup,
		Activated:        false,
		ExpiryEpoch:      req.ExpiryEpoch,
	}
	for i, seed := range req.SeedSecrets {
		meta.Secret = append(meta.Secret, Credential{
			AccessKeyID: seed.AccessKeyID,
			ExpiryEpoch: seed.ExpiryEpoch,
			SlotIndex:   i + 1,
		})
	}

	var warnings []string
	var ownerSnap *PolicySnapshot
	var groupSnap *PolicySnapshot

	saga := NewSaga("onboard", logger)

	saga.Add(SagaStep{
		Name: "metadata " + MetadataPath(accountKey),
		Do: func(ctx context.Context) error {
			return meta.Save(ctx, o.store)
		},
		Undo: func(ctx context.Context) error {
			if err := o.store.Delete(ctx, MetadataPath(accountKey)); err != nil {
				return fmt.Errorf("reverting service account creation also failed: %w", err)
			}
			return nil
		},
	})

	saga.Add(SagaStep{
		Name: "account policies",
		Do: func(ctx context.Context) error {
			return o.createAccountPolicies(ctx, accountKey)
		},
		Undo: func(ctx context.Context) error {
			return o.deleteAccountPolicies(ctx, accountKey)
		},
	})

	saga.Add(SagaStep{
		Name: "owner grants",
		Do: func(ctx context.Context) error {
			snap, err := o.identity.UserPolicies(ctx, caller, req.Owner)
			if err != nil {
				return err
			}
			ownerSnap = snap
			policies := Resolve(snap.Policies, PolicyGrant{Kind: SubjectUser, SubjectID: req.Owner, Level: AccessOwner, Resource: accountKey})
			policies = Resolve(policies, PolicyGrant{Kind: SubjectUser, SubjectID: req.Owner, Level: AccessWrite, Resource: accountKey})
			if err := o.identity.SetUserPolicies(ctx, caller, req.Owner, policies, snap); err != nil {
				return err
			}
			meta.SetGrant(SubjectUser, req.Owner, AccessWrite)
			return meta.Save(ctx, o.store)
		},
		Undo: func(ctx context.Context) error {
			if ownerSnap == nil {
				return nil
			}
			return o.identity.SetUserPolicies(ctx, caller, req.Owner, ownerSnap.Policies, ownerSnap)
		},
	})

	if req.SelfSupportGroup != "" && o.identity.SupportsGroups() {
		saga.Add(SagaStep{
			Name: "self-support group grant",
			Do: func(ctx context.Context) error {
				snap, err := o.identity.GroupPolicies(ctx, caller, req.SelfSupportGroup)
				if err == nil {
					groupSnap = snap
					policies := Resolve(snap.Policies, PolicyGrant{Kind: SubjectGroup, SubjectID: req.SelfSupportGroup, Level: AccessWrite, Resource: accountKey})
					err = o.identity.SetGroupPolicies(ctx, caller, req.SelfSupportGroup, policies, snap)
				}
				if err != nil {
					// Non-fatal: the account is usable without the
					// self-support grant. Report, do not roll back.
					logger.Warn("failed to grant self-support group",
						ilog.FieldSubject, req.SelfSupportGroup, ilog.FieldError, err.Error())
					warnings = append(warnings,
						"But failed to add write permission to the self-support group "+req.SelfSupportGroup)
					return nil
				}
				meta.SetGrant(SubjectGroup, req.SelfSupportGroup, AccessWrite)
				return meta.Save(ctx, o.store)
			},
			Undo: func(ctx context.Context) error {
				if groupSnap == nil {
					return nil
				}
				return o.identity.SetGroupPolicies(ctx, caller, req.SelfSupportGroup,
					StripAccount(groupSnap.Policies, accountKey), groupSnap)
			},
		})
	}

	if len(req.SeedSecrets) > 0 {
		seeds := req.SeedSecrets
		saga.Add(SagaStep{
			Name: "seed secrets",
			Do: func(ctx context.Context) error {
				for i, seed := range seeds {
					doc := map[string]interface{}{
						"accessKeyId":     seed.AccessKeyID,
						"accessKeySecret": seed.AccessKeySecret,
						"expiryDateEpoch": seed.ExpiryEpoch,
					}
					if err := o.store.Write(ctx, SecretPath(accountKey, i+1), doc); err != nil {
						return fmt.Errorf("failed to store seed secret in slot %d: %w", i+1, err)
					}
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				var first error
				for i := range seeds {
					if err := o.store.Delete(ctx, SecretPath(accountKey, i+1)); err != nil && first == nil {
						first = err
					}
				}
				return first
			},
		})
	}

	if err := saga.Run(ctx); err != nil {
		return nil, err
	}

	o.notify(ctx, logger, meta.OwnerEmail, "Service account onboarded", map[string]string{
		"account": accountKey,
		"owner":   meta.Owner,
	})
	logger.Info("onboarding complete")
	return &OnboardResult{
		AccountKey: accountKey,
		Message:    MsgOnboardSuccess,
		Warnings:   warnings,
	}, nil
}

// Activate rotates every seed credential in place and marks the account
// active. The account stays inactive when any key fails to rotate.
func (o *Orchestrator) Activate(ctx context.Context, accountKey string, caller Caller) (*ActivateResult, error) {
	logger := ilog.WithRequestID(o.logger, uuid.NewString()).With(ilog.FieldAccount, accountKey)

	allowed, err := o.guard.CanRotate(ctx, caller, accountKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden("not authorized to activate this service account").
			WithOperation("activate").WithResource("service account", accountKey)
	}

	meta, err := LoadMetadata(ctx, o.store, accountKey)
	if err != nil {
		return nil, err
	}
	if meta.Activated {
		return nil, ErrConflict(MsgAlreadyActive).
			WithOperation("activate").WithResource("service account", accountKey)
	}
	if len(meta.Secret) == 0 {
		return nil, ErrValidation("metadata has no secret entries to activate").
			WithOperation("activate").WithResource("service account", accountKey)
	}

	// Snapshot the seed key ids first: rotation rewrites meta.Secret.
	seedKeys := make([]string, len(meta.Secret))
	for i, cred := range meta.Secret {
		seedKeys[i] = cred.AccessKeyID
	}

	var rotated []string
	for i, keyID := range seedKeys {
		if err := o.rotation.RotateCredential(ctx, meta, i+1, keyID); err != nil {
			logger.Error("activation rotation failed",
				"slot", i+1, "access_key_id", ilog.SanitizeKeyID(keyID), ilog.FieldError, err.Error())
			return nil, ErrBackend("failed to rotate secrets for one or more access key ids; the account remains inactive").
				WithOperation("activate").WithResource("service account", accountKey).WithCause(err)
		}
		rotated = append(rotated, keyID)
	}

	meta.Activated = true
	if err := meta.Save(ctx, o.store); err != nil {
		return nil, ErrBackend("secrets rotated but the activation status update failed").
			WithOperation("activate").WithResource("service account", accountKey).WithCause(err)
	}

	var warnings []string
	if meta.Owner == "" {
		// Rotation is kept either way; a missing owner only loses the
		// write grant.
		warnings = append(warnings, "owner info not found in metadata; write permission was not granted")
	} else if err := o.grantOwnerWrite(ctx, caller, meta, accountKey); err != nil {
		return nil, ErrPartial("service account activated but adding write permission to the owner failed.").
			WithOperation("activate").WithResource("service account", accountKey).WithCause(err)
	}

	logger.Info("service account activated", "rotated_keys", len(rotated))
	return &ActivateResult{
		AccountKey:  accountKey,
		RotatedKeys: rotated,
		Message:     MsgActivateSuccess,
		Warnings:    warnings,
	}, nil
}

func (o *Orchestrator) grantOwnerWrite(ctx context.Context, caller Caller, meta *Metadata, accountKey string) error {
	snap, err := o.identity.UserPolicies(ctx, caller, meta.Owner)
	if err != nil {
		return err
	}
	policies := Resolve(snap.Policies, PolicyGrant{Kind: SubjectUser, SubjectID: meta.Owner, Level: AccessWrite, Resource: accountKey})
	if err := o.identity.SetUserPolicies(ctx, caller, meta.Owner, policies, snap); err != nil {
		return err
	}
	meta.SetGrant(SubjectUser, meta.Owner, AccessWrite)
	return meta.Save(ctx, o.store)
}

// Grant adds or replaces a permission for a subject on a service account.
func (o *Orchestrator) Grant(ctx context.Context, req GrantRequest, caller Caller) (*GrantResult, error) {
	logger := ilog.WithRequestID(o.logger, uuid.NewString()).
		With(ilog.FieldAccount, req.AccountKey, ilog.FieldSubject, req.SubjectID)

	if err := ValidateGrantRequest(req); err != nil {
		return nil, err
	}
	meta, err := LoadMetadata(ctx, o.store, req.AccountKey)
	if err != nil {
		return nil, err
	}
	if err := o.authorizeGrant(ctx, req, caller); err != nil {
		return nil, err
	}
	if !meta.Activated && req.Level != AccessWrite && req.Level != AccessOwner {
		return nil, ErrValidation("only rotate (write) permission can be granted before the service account is activated").
			WithOperation("grant").WithResource("service account", req.AccountKey)
	}
	if err := o.checkOwnerLockout(req, caller, meta); err != nil {
		return nil, err
	}

	grant := PolicyGrant{Kind: req.Kind, SubjectID: req.SubjectID, Level: req.Level, Resource: req.AccountKey}

	switch req.Kind {
	case SubjectUser:
		return o.applyUserChange(ctx, caller, meta, req, logger, func(current []string) []string {
			return Resolve(current, grant)
		}, false)
	case SubjectGroup:
		if !o.identity.SupportsGroups() {
			return &GrantResult{Message: "group permissions are not supported by the configured identity backend"}, nil
		}
		return o.applyGroupChange(ctx, caller, meta, req, logger, func(current []string) []string {
			return Resolve(current, grant)
		}, false)
	case SubjectAppRole, SubjectAWSRole:
		return o.applyRoleChange(ctx, meta, req, logger, func(current []string) []string {
			return Resolve(current, grant)
		}, false)
	}
	return nil, ErrValidation(fmt.Sprintf("invalid subject kind: %s", req.Kind))
}

// Revoke removes a subject's permission on a service account. Subjects
// that have vanished from the identity backend get orphan cleanup: the
// stale metadata entry is stripped and a distinct outcome is reported.
func (o *Orchestrator) Revoke(ctx context.Context, req GrantRequest, caller Caller) (*GrantResult, error) {
	logger := ilog.WithRequestID(o.logger, uuid.NewString()).
		With(ilog.FieldAccount, req.AccountKey, ilog.FieldSubject, req.SubjectID)

	if err := ValidateGrantRequest(req); err != nil {
		return nil, err
	}
	meta, err := LoadMetadata(ctx, o.store, req.AccountKey)
	if err != nil {
		return nil, err
	}
	if err := o.authorizeGrant(ctx, req, caller); err != nil {
		return nil, err
	}
	if req.Kind == SubjectUser && req.SubjectID == meta.Owner {
		return nil, ErrValidation("the owner's grant cannot be revoked; offboard the account instead").
			WithOperation("revoke").WithResource("service account", req.AccountKey)
	}
	if err := o.checkOwnerLockout(req, caller, meta); err != nil {
		return nil, err
	}

	strip := func(current []string) []string {
		return StripAccount(current, req.AccountKey)
	}

	switch req.Kind {
	case SubjectUser:
		return o.applyUserChange(ctx, caller, meta, req, logger, strip, true)
	case SubjectGroup:
		if !o.identity.SupportsGroups() {
			return &GrantResult{Message: "group permissions are not supported by the configured identity backend"}, nil
		}
		return o.applyGroupChange(ctx, caller, meta, req, logger, strip, true)
	case SubjectAppRole, SubjectAWSRole:
		return o.applyRoleChange(ctx, meta, req, logger, strip, true)
	}
	return nil, ErrValidation(fmt.Sprintf("invalid subject kind: %s", req.Kind))
}

// authorizeGrant enforces the owner-or-exception rule for grant/revoke.
func (o *Orchestrator) authorizeGrant(ctx context.Context, req GrantRequest, caller Caller) error {
	owner, err := o.guard.IsOwner(ctx, caller, req.AccountKey)
	if err != nil {
		return err
	}
	if owner {
		return nil
	}
	if req.Kind == SubjectAppRole && o.guard.IsBootstrapException(req.SubjectID, req.AccountKey, req.Level) {
		admin, err := o.guard.IsBootstrapAdmin(ctx, caller)
		if err != nil {
			return err
		}
		if admin {
			return nil
		}
	}
	return ErrForbidden("not authorized to modify permissions on this service account").
		WithOperation("grant").WithResource("service account", req.AccountKey)
}

// checkOwnerLockout rejects changes that would strip the owner's own
// rotate permission. The owner's grant is pinned to write for life.
func (o *Orchestrator) checkOwnerLockout(req GrantRequest, caller Caller, meta *Metadata) error {
	if req.Kind != SubjectUser {
		return nil
	}
	if req.SubjectID == meta.Owner && req.Level != AccessWrite && req.Level != AccessOwner {
		return ErrValidation("the owner's permission cannot be changed to " + string(req.Level)).
			WithResource("service account", req.AccountKey)
	}
	if req.SubjectID == caller.Username && req.Level != AccessWrite && req.Level != AccessOwner {
		return ErrValidation("changing your own permission away from write would lock you out").
			WithResource("service account", req.AccountKey)
	}
	return nil
}

type policyRewrite func(current []string) []string

func (o *Orchestrator) applyUserChange(ctx context.Context, caller Caller, meta *Metadata, req GrantRequest,
	logger *slog.Logger, rewrite policyRewrite, revoke bool) (*GrantResult, error) {

	snap, err := o.identity.UserPolicies(ctx, caller, req.SubjectID)
	if err != nil {
		if revoke && IsCategory(err, CategoryNotFound) {
			return o.cleanupOrphan(ctx, meta, req, logger)
		}
		return nil, err
	}
	if err := o.identity.SetUserPolicies(ctx, caller, req.SubjectID, rewrite(snap.Policies), snap); err != nil {
		return nil, err
	}
	if err := o.recordGrant(ctx, meta, req, revoke); err != nil {
		// The backend write went through but the record didn't: put the
		// subject's policies back so both stay consistent.
		if rerr := o.identity.SetUserPolicies(ctx, caller, req.SubjectID, snap.Policies, snap); rerr != nil {
			return nil, &RollbackError{
				OriginalError:     err,
				RollbackErrors:    []error{rerr},
				OrphanedResources: []string{"user " + req.SubjectID},
			}
		}
		return nil, ErrBackend("metadata update failed; the permission change was reverted").
			WithOperation("grant").WithResource("service account", req.AccountKey).WithCause(err)
	}
	return &GrantResult{Message: o.changeMessage(req, revoke)}, nil
}

func (o *Orchestrator) applyGroupChange(ctx context.Context, caller Caller, meta *Metadata, req GrantRequest,
	logger *slog.Logger, rewrite policyRewrite, revoke bool) (*GrantResult, error) {

	snap, err := o.identity.GroupPolicies(ctx, caller, req.SubjectID)
	if err != nil {
		if revoke && IsCategory(err, CategoryNotFound) {
			return o.cleanupOrphan(ctx, meta, req, logger)
		}
		return nil, err
	}
	if err := o.identity.SetGroupPolicies(ctx, caller, req.SubjectID, rewrite(snap.Policies), snap); err != nil {
		return nil, err
	}
	if err := o.recordGrant(ctx, meta, req, revoke); err != nil {
		if rerr := o.identity.SetGroupPolicies(ctx, caller, req.SubjectID, snap.Policies, snap); rerr != nil {
			return nil, &RollbackError{
				OriginalError:     err,
				RollbackErrors:    []error{rerr},
				OrphanedResources: []string{"group " + req.SubjectID},
			}
		}
		return nil, ErrBackend("metadata update failed; the permission change was reverted").
			WithOperation("grant").WithResource("service account", req.AccountKey).WithCause(err)
	}
	return &GrantResult{Message: o.changeMessage(req, revoke)}, nil
}

func (o *Orchestrator) applyRoleChange(ctx context.Context, meta *Metadata, req GrantRequest,
	logger *slog.Logger, rewrite policyRewrite, revoke bool) (*GrantResult, error) {

	current, err := o.store.ReadRolePolicies(ctx, req.Kind, req.SubjectID)
	if err != nil {
		if revoke && IsCategory(err, CategoryNotFound) {
			return o.cleanupOrphan(ctx, meta, req, logger)
		}
		return nil, err
	}
	if err := o.store.WriteRolePolicies(ctx, req.Kind, req.SubjectID, rewrite(current)); err != nil {
		return nil, err
	}
	if err := o.recordGrant(ctx, meta, req, revoke); err != nil {
		if rerr := o.store.WriteRolePolicies(ctx, req.Kind, req.SubjectID, current); rerr != nil {
			return nil, &RollbackError{
				OriginalError:     err,
				RollbackErrors:    []error{rerr},
				OrphanedResources: []string{string(req.Kind) + " " + req.SubjectID},
			}
		}
		return nil, ErrBackend("metadata update failed; the permission change was reverted").
			WithOperation("grant").WithResource("service account", req.AccountKey).WithCause(err)
	}
	return &GrantResult{Message: o.changeMessage(req, revoke)}, nil
}

// cleanupOrphan strips a stale metadata entry for a subject that no longer
// exists in the identity backend.
func (o *Orchestrator) cleanupOrphan(ctx context.Context, meta *Metadata, req GrantRequest, logger *slog.Logger) (*GrantResult, error) {
	meta.RemoveGrant(req.Kind, req.SubjectID)
	if err := meta.Save(ctx, o.store); err != nil {
		return nil, ErrBackend("failed to remove stale assignment from metadata").
			WithOperation("revoke").WithResource("service account", req.AccountKey).WithCause(err)
	}
	logger.Info("removed stale assignment for missing subject", ilog.FieldOperation, "revoke")
	return &GrantResult{
		Message: fmt.Sprintf("%s %s is not available in the identity backend; the assignment was removed", req.Kind, req.SubjectID),
	}, nil
}

func (o *Orchestrator) recordGrant(ctx context.Context, meta *Metadata, req GrantRequest, revoke bool) error {
	if revoke {
		meta.RemoveGrant(req.Kind, req.SubjectID)
	} else {
		meta.SetGrant(req.Kind, req.SubjectID, req.Level)
	}
	return meta.Save(ctx, o.store)
}

func (o *Orchestrator) changeMessage(req GrantRequest, revoke bool) string {
	if revoke {
		return fmt.Sprintf("Successfully removed %s permissions from the service account", req.Kind)
	}
	return fmt.Sprintf("Successfully added %s permission to the service account", req.Kind)
}

// Offboard removes a service account from management. Bootstrap-admin
// only. Policy deletion failure is fatal; membership stripping is
// best-effort per subject; the result is OK only when the credential
// folders and the metadata record are both gone.
func (o *Orchestrator) Offboard(ctx context.Context, accountKey string, caller Caller) (*OffboardResult, error) {
	logger := ilog.WithRequestID(o.logger, uuid.NewString()).With(ilog.FieldAccount, accountKey)

	admin, err := o.guard.IsBootstrapAdmin(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrForbidden("not authorized to perform offboarding of service accounts").
			WithOperation("offboard")
	}
	logger.Info("offboarding service account", ilog.FieldOperation, "offboard")

	if err := o.deleteAccountPolicies(ctx, accountKey); err != nil {
		return nil, ErrBackend("failed to offboard service account: policy deletion failed").
			WithOperation("offboard").WithResource("service account", accountKey).WithCause(err)
	}

	var warnings []string
	meta, err := LoadMetadata(ctx, o.store, accountKey)
	switch {
	case err == nil:
		warnings = o.stripMembership(ctx, caller, meta, accountKey, logger)
	case IsCategory(err, CategoryNotFound):
		meta = nil
	default:
		return nil, ErrBackend("failed to read metadata for offboarding").
			WithOperation("offboard").WithResource("service account", accountKey).WithCause(err)
	}

	// Always probe every slot so orphaned folders from interrupted
	// rotations are cleaned up too.
	secretsOK := true
	for slot := 1; slot <= MaxCredentials; slot++ {
		if err := o.store.Delete(ctx, SecretPath(accountKey, slot)); err != nil {
			secretsOK = false
			warnings = append(warnings, fmt.Sprintf("failed to delete credential slot %d: %v", slot, err))
		}
	}

	metaOK := true
	if err := o.store.Delete(ctx, MetadataPath(accountKey)); err != nil {
		metaOK = false
		warnings = append(warnings, fmt.Sprintf("failed to delete metadata: %v", err))
	}

	if secretsOK && metaOK {
		logger.Info("offboarding complete")
		return &OffboardResult{AccountKey: accountKey, Message: MsgOffboardSuccess, Warnings: warnings}, nil
	}
	logger.Warn("offboarding finished with warnings", "warnings", len(warnings))
	return &OffboardResult{AccountKey: accountKey, Message: MsgOffboardPartial, Warnings: warnings}, nil
}

// stripMembership removes the account's policy names from every recorded
// subject, always including the owner. Each subject is best-effort.
func (o *Orchestrator) stripMembership(ctx context.Context, caller Caller, meta *Metadata, accountKey string, logger *slog.Logger) []string {
	var warnings []string
	warn := func(kind SubjectKind, id string, err error) {
		logger.Warn("failed to strip policies during offboard",
			ilog.FieldSubject, id, "kind", string(kind), ilog.FieldError, err.Error())
		warnings = append(warnings, fmt.Sprintf("failed to strip %s %s: %v", kind, id, err))
	}

	users := make(map[string]struct{}, len(meta.Users)+1)
	for name := range meta.Users {
		users[name] = struct{}{}
	}
	if meta.Owner != "" {
		users[meta.Owner] = struct{}{}
	}
	for name := range users {
		snap, err := o.identity.UserPolicies(ctx, caller, name)
		if err != nil {
			if !IsCategory(err, CategoryNotFound) {
				warn(SubjectUser, name, err)
			}
			continue
		}
		if err := o.identity.SetUserPolicies(ctx, caller, name, StripAccount(snap.Policies, accountKey), snap); err != nil {
			warn(SubjectUser, name, err)
		}
	}

	if o.identity.SupportsGroups() {
		for name := range meta.Groups {
			snap, err := o.identity.GroupPolicies(ctx, caller, name)
			if err != nil {
				if !IsCategory(err, CategoryNotFound) {
					warn(SubjectGroup, name, err)
				}
				continue
			}
			if err := o.identity.SetGroupPolicies(ctx, caller, name, StripAccount(snap.Policies, accountKey), snap); err != nil {
				warn(SubjectGroup, name, err)
			}
		}
	}

	for kind, grants := range map[SubjectKind]map[string]string{
		SubjectAppRole: meta.AppRoles,
		SubjectAWSRole: meta.AWSRoles,
	} {
		for name := range grants {
			current, err := o.store.ReadRolePolicies(ctx, kind, name)
			if err != nil {
				if !IsCategory(err, CategoryNotFound) {
					warn(kind, name, err)
				}
				continue
			}
			if err := o.store.WriteRolePolicies(ctx, kind, name, StripAccount(current, accountKey)); err != nil {
				warn(kind, name, err)
			}
		}
	}
	return warnings
}

// ListOnboarded enumerates onboarded account keys.
func (o *Orchestrator) ListOnboarded(ctx context.Context) ([]string, error) {
	keys, err := o.store.List(ctx, strings.TrimSuffix(metaPathPrefix, "/"))
	if err != nil {
		if IsCategory(err, CategoryNotFound) {
			return nil, nil
		}
		return nil, ErrBackend("failed to list onboarded service accounts").
			WithOperation("list").WithCause(err)
	}
	return keys, nil
}

// CreateAccessKeys mints a fresh access key for the account and notifies
// the owner best-effort.
func (o *Orchestrator) CreateAccessKeys(ctx context.Context, accountKey string, caller Caller) (*Credential, error) {
	cred, err := o.rotation.CreateAccessKeys(ctx, accountKey, caller)
	if err != nil {
		return nil, err
	}
	if meta, merr := LoadMetadata(ctx, o.store, accountKey); merr == nil {
		o.notify(ctx, o.logger, meta.OwnerEmail, "Access key created", map[string]string{
			"account":       accountKey,
			"access_key_id": ilog.SanitizeKeyID(cred.AccessKeyID),
		})
	}
	return cred, nil
}

// RotateAccessKey rotates the named access key in place.
func (o *Orchestrator) RotateAccessKey(ctx context.Context, accountKey, accessKeyID string, caller Caller) (*GrantResult, error) {
	return o.rotation.RotateByAccessKeyID(ctx, accountKey, accessKeyID, caller)
}

// DeleteAccessKey deletes the named access key at the provider and in the
// store.
func (o *Orchestrator) DeleteAccessKey(ctx context.Context, accountKey, accessKeyID string, caller Caller) error {
	return o.rotation.DeleteAccessKeyAndSecret(ctx, accountKey, accessKeyID, caller)
}

// AccessKeys returns the account's recorded credential entries.
// Secret material is never included.
func (o *Orchestrator) AccessKeys(ctx context.Context, accountKey string, caller Caller) ([]Credential, error) {
	allowed, err := o.guard.CanRead(ctx, caller, accountKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden("not authorized to list access keys for this service account").
			WithOperation("accessKeys").WithResource("service account", accountKey)
	}
	meta, err := LoadMetadata(ctx, o.store, accountKey)
	if err != nil {
		return nil, err
	}
	return meta.Secret, nil
}

// ReadCredential returns the stored secret folder holding the given
// access-key id. Requires read or better on the account.
func (o *Orchestrator) ReadCredential(ctx context.Context, accountKey, accessKeyID string, caller Caller) (map[string]interface{}, error) {
	allowed, err := o.guard.CanRead(ctx, caller, accountKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden("not authorized to read credentials for this service account").
			WithOperation("readCredential").WithResource("service account", accountKey)
	}
	for slot := 1; slot <= MaxCredentials; slot++ {
		data, err := o.store.Read(ctx, SecretPath(accountKey, slot))
		if err != nil {
			if IsCategory(err, CategoryNotFound) {
				continue
			}
			return nil, err
		}
		if id, _ := data["accessKeyId"].(string); id == accessKeyID {
			return data, nil
		}
	}
	return nil, ErrNotFound("access key", ilog.SanitizeKeyID(accessKeyID)).
		WithResource("service account", accountKey)
}

// createAccountPolicies installs the four policy objects for an account.
// The write and owner variants also grant write on the metadata path.
func (o *Orchestrator) createAccountPolicies(ctx context.Context, accountKey string) error {
	for _, level := range []AccessLevel{AccessRead, AccessWrite, AccessDeny, AccessOwner} {
		name := PolicyName(level, accountKey)
		if err := o.store.CreatePolicy(ctx, name, policyRules(level, accountKey)); err != nil {
			return fmt.Errorf("failed to create policy %s: %w", name, err)
		}
	}
	return nil
}

// deleteAccountPolicies removes all four policy objects, attempting every
// one before reporting the first failure.
func (o *Orchestrator) deleteAccountPolicies(ctx context.Context, accountKey string) error {
	var first error
	for _, name := range AccountPolicyNames(accountKey) {
		if err := o.store.DeletePolicy(ctx, name); err != nil && first == nil {
			first = fmt.Errorf("failed to delete policy %s: %w", name, err)
		}
	}
	return first
}

// policyRules renders the backing-store rules for one access level.
func policyRules(level AccessLevel, accountKey string) string {
	secretGlob := secretPathPrefix + accountKey + "/*"
	metaPath := metaPathPrefix + accountKey
	switch level {
	case AccessRead:
		return fmt.Sprintf("path %q {\n  capabilities = [\"read\"]\n}\n", secretGlob)
	case AccessDeny:
		return fmt.Sprintf("path %q {\n  capabilities = [\"deny\"]\n}\n", secretGlob)
	default: // write and owner
		return fmt.Sprintf(
			"path %q {\n  capabilities = [\"read\", \"create\", \"update\", \"delete\"]\n}\npath %q {\n  capabilities = [\"create\", \"update\"]\n}\n",
			secretGlob, metaPath)
	}
}

// notify sends a best-effort notification. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, logger *slog.Logger, recipient, subject string, vars map[string]string) {
	if o.notifier == nil || recipient == "" {
		return
	}
	if err := o.notifier.Notify(ctx, recipient, subject, vars); err != nil {
		logger.Warn("notification failed", "recipient", recipient, ilog.FieldError, err.Error())
	}
}
