package svcacct

import (
	"context"
	"fmt"
	"log/slog"

	ilog "github.com/anirudhbiyani/svcacct-manager/internal/log"
)

// RotationManager owns the credential lifecycle: create, rotate and delete
// access keys, coordinating the minting service with the backing store.
type RotationManager struct {
	store  BackingStore
	minter CredentialMinter
	guard  *Guard
	logger *slog.Logger
}

// NewRotationManager creates a rotation manager.
func NewRotationManager(store BackingStore, minter CredentialMinter, guard *Guard, logger *slog.Logger) *RotationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationManager{
		store:  store,
		minter: minter,
		guard:  guard,
		logger: ilog.WithComponent(logger, "rotation"),
	}
}

// CreateAccessKeys mints a new access key into the next free slot.
// Permitted to the owner or any caller with write on the account. Rejects
// with a conflict when both slots are taken.
func (r *RotationManager) CreateAccessKeys(ctx context.Context, accountKey string, caller Caller) (*Credential, error) {
	allowed, err := r.guard.CanRotate(ctx, caller, accountKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden("no permission to create access keys for this service account").
			WithOperation("createAccessKeys").WithResource("service account", accountKey)
	}

	meta, err := LoadMetadata(ctx, r.store, accountKey)
	if err != nil {
		return nil, err
	}
	if len(meta.Secret) >= MaxCredentials {
		return nil, ErrConflict(fmt.Sprintf(
			"service account already has %d access keys; delete one before creating another", MaxCredentials)).
			WithOperation("createAccessKeys").WithResource("service account", accountKey)
	}

	slot, err := r.nextFreeSlot(ctx, accountKey)
	if err != nil {
		return nil, err
	}

	minted, err := r.minter.Mint(ctx, meta.CloudAccountID, meta.AccountName)
	if err != nil {
		return nil, err
	}
	r.logger.Info("minted access key",
		ilog.FieldAccount, accountKey, "access_key_id", ilog.SanitizeKeyID(minted.AccessKeyID), "slot", slot)

	if err := r.store.Write(ctx, SecretPath(accountKey, slot), secretDocument(minted)); err != nil {
		return nil, r.compensateMint(ctx, meta, minted.AccessKeyID, err)
	}

	cred := Credential{AccessKeyID: minted.AccessKeyID, ExpiryEpoch: minted.ExpiryEpoch, SlotIndex: slot}
	meta.Secret = append(meta.Secret, cred)
	if err := meta.Save(ctx, r.store); err != nil {
		if derr := r.store.Delete(ctx, SecretPath(accountKey, slot)); derr != nil {
			return nil, &RollbackError{
				OriginalError:     err,
				RollbackErrors:    []error{derr},
				OrphanedResources: []string{SecretPath(accountKey, slot)},
			}
		}
		return nil, r.compensateMint(ctx, meta, minted.AccessKeyID, err)
	}
	return &cred, nil
}

// compensateMint revokes a freshly minted key after a later step failed.
func (r *RotationManager) compensateMint(ctx context.Context, meta *Metadata, accessKeyID string, cause error) error {
	if rerr := r.minter.Revoke(ctx, meta.CloudAccountID, meta.AccountName, accessKeyID); rerr != nil {
		return &RollbackError{
			OriginalError:     cause,
			RollbackErrors:    []error{rerr},
			OrphanedResources: []string{"access key " + ilog.SanitizeKeyID(accessKeyID)},
		}
	}
	return cause
}

// RotateByAccessKeyID mints a replacement for the given access key and
// overwrites its slot in place. Requires write on the account.
func (r *RotationManager) RotateByAccessKeyID(ctx context.Context, accountKey, accessKeyID string, caller Caller) (*GrantResult, error) {
	allowed, err := r.guard.CanRotate(ctx, caller, accountKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden("no permission to rotate this service account").
			WithOperation("rotate").WithResource("service account", accountKey)
	}

	meta, err := LoadMetadata(ctx, r.store, accountKey)
	if err != nil {
		return nil, err
	}
	slot, err := r.findSlot(ctx, accountKey, accessKeyID)
	if err != nil {
		return nil, err
	}
	if err := r.RotateCredential(ctx, meta, slot, accessKeyID); err != nil {
		return nil, err
	}
	return &GrantResult{Message: MsgRotateSuccess}, nil
}

// RotateCredential mints a fresh key and overwrites the given slot,
// updating the metadata entry for oldKeyID. The replaced key is revoked at
// the provider best-effort; its material is never written anywhere again.
func (r *RotationManager) RotateCredential(ctx context.Context, meta *Metadata, slot int, oldKeyID string) error {
	accountKey := meta.AccountKey()

	minted, err := r.minter.Mint(ctx, meta.CloudAccountID, meta.AccountName)
	if err != nil {
		return err
	}
	if err := r.store.Write(ctx, SecretPath(accountKey, slot), secretDocument(minted)); err != nil {
		return r.compensateMint(ctx, meta, minted.AccessKeyID, err)
	}

	meta.ReplaceCredential(oldKeyID, Credential{
		AccessKeyID: minted.AccessKeyID,
		ExpiryEpoch: minted.ExpiryEpoch,
		SlotIndex:   slot,
	})
	if err := meta.Save(ctx, r.store); err != nil {
		return ErrBackend("rotated secret stored but metadata update failed").
			WithOperation("rotate").WithResource("service account", accountKey).WithCause(err)
	}

	if oldKeyID != minted.AccessKeyID {
		if rerr := r.minter.Revoke(ctx, meta.CloudAccountID, meta.AccountName, oldKeyID); rerr != nil {
			r.logger.Warn("failed to revoke replaced access key",
				ilog.FieldAccount, accountKey, "access_key_id", ilog.SanitizeKeyID(oldKeyID), ilog.FieldError, rerr.Error())
		}
	}
	r.logger.Info("rotated access key",
		ilog.FieldAccount, accountKey, "slot", slot, "access_key_id", ilog.SanitizeKeyID(minted.AccessKeyID))
	return nil
}

// DeleteAccessKeyAndSecret removes an access key: provider first, then the
// storage folder, then the metadata entry. A provider failure aborts with
// the key fully intact; a storage failure after the provider deletion is
// reported as a partial failure so operators can reconcile.
func (r *RotationManager) DeleteAccessKeyAndSecret(ctx context.Context, accountKey, accessKeyID string, caller Caller) error {
	allowed, err := r.guard.CanRotate(ctx, caller, accountKey)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden("no permission to delete access keys for this service account").
			WithOperation("deleteAccessKey").WithResource("service account", accountKey)
	}

	meta, err := LoadMetadata(ctx, r.store, accountKey)
	if err != nil {
		return err
	}
	if _, ok := meta.CredentialByKeyID(accessKeyID); !ok {
		return ErrNotFound("access key", ilog.SanitizeKeyID(accessKeyID)).WithOperation("deleteAccessKey")
	}

	// Locate the stored secret before touching the provider: a scan failure
	// here must abort with the key fully intact. A NotFound only means the
	// folder is already gone, so the storage step is skipped.
	slot, slotErr := r.findSlot(ctx, accountKey, accessKeyID)
	if slotErr != nil && !IsCategory(slotErr, CategoryNotFound) {
		return slotErr
	}

	if err := r.minter.Revoke(ctx, meta.CloudAccountID, meta.AccountName, accessKeyID); err != nil {
		return ErrBackend("failed to delete access key at the credential provider").
			WithOperation("deleteAccessKey").WithResource("service account", accountKey).WithCause(err)
	}

	if slotErr == nil {
		if err := r.store.Delete(ctx, SecretPath(accountKey, slot)); err != nil {
			return ErrPartial("access key deleted at the provider but its stored secret could not be removed.").
				WithOperation("deleteAccessKey").WithResource("service account", accountKey).WithCause(err)
		}
	}

	meta.RemoveCredential(accessKeyID)
	if err := meta.Save(ctx, r.store); err != nil {
		return ErrPartial("access key deleted but the metadata entry could not be removed.").
			WithOperation("deleteAccessKey").WithResource("service account", accountKey).WithCause(err)
	}
	r.logger.Info("deleted access key",
		ilog.FieldAccount, accountKey, "access_key_id", ilog.SanitizeKeyID(accessKeyID))
	return nil
}

// nextFreeSlot probes the credential folders and returns the first
// unoccupied slot index.
func (r *RotationManager) nextFreeSlot(ctx context.Context, accountKey string) (int, error) {
	for slot := 1; slot <= MaxCredentials; slot++ {
		_, err := r.store.Read(ctx, SecretPath(accountKey, slot))
		if err == nil {
			continue
		}
		if IsCategory(err, CategoryNotFound) {
			return slot, nil
		}
		return 0, ErrBackend("failed to probe credential slots").
			WithOperation("createAccessKeys").WithResource("service account", accountKey).WithCause(err)
	}
	return 0, ErrConflict(fmt.Sprintf("all %d credential slots are occupied", MaxCredentials)).
		WithOperation("createAccessKeys").WithResource("service account", accountKey)
}

// findSlot scans the stored credential folders for the access-key id.
func (r *RotationManager) findSlot(ctx context.Context, accountKey, accessKeyID string) (int, error) {
	for slot := 1; slot <= MaxCredentials; slot++ {
		data, err := r.store.Read(ctx, SecretPath(accountKey, slot))
		if err != nil {
			if IsCategory(err, CategoryNotFound) {
				continue
			}
			return 0, ErrBackend("failed to scan credential slots").
				WithOperation("rotate").WithResource("service account", accountKey).WithCause(err)
		}
		if id, _ := data["accessKeyId"].(string); id == accessKeyID {
			return slot, nil
		}
	}
	return 0, ErrNotFound("access key", ilog.SanitizeKeyID(accessKeyID)).
		WithResource("service account", accountKey)
}

// secretDocument is the stored shape of one credential folder.
func secretDocument(minted *MintedCredential) map[string]interface{} {
	return map[string]interface{}{
		"accessKeyId":     minted.AccessKeyID,
		"accessKeySecret": minted.SecretMaterial,
		"expiryDateEpoch": minted.ExpiryEpoch,
	}
}
