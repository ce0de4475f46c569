// Package svcacct manages the lifecycle of non-human service accounts
// whose cloud credentials are kept in a path-addressed secret/policy
// backing store.
//
// # Overview
//
// svcacct lets a self-service admin onboard a service account, grant and
// revoke read/write/deny/owner permissions to users, groups, app-roles and
// cloud roles, rotate or delete the account's access keys, and offboard
// the account. The backing store, the identity backend and the credential
// minter share no transaction, so every multi-step operation runs as a
// saga with compensating rollback.
//
// # Orchestrator
//
// The Orchestrator is the entry point for every public operation. It
// authorizes through the Guard, mutates backends through the
// IdentityBackend adapter and the BackingStore, and compensates partial
// failures through the saga runner.
//
// # Policy precedence
//
// Grants are encoded as policy names {r|w|d|o}_svcacc_{accountKey}.
// Resolve, MergeAcrossSources and FilterByPrecedence collapse a policy set
// under deny > write > read/owner ordering; owner policies rank like read
// in merges but are never removed by a non-owner's grant or revoke.
//
// # Identity backends
//
// One IdentityBackend implementation exists per variant (directory-group,
// OIDC, userpass). The variant is selected once at startup; userpass does
// not support group operations and callers treat them as no-ops.
//
// # Credentials
//
// A service account holds at most two live access keys, one per fixed
// storage slot (secret_1/secret_2). The RotationManager coordinates the
// credential minter and the backing store for create, rotate and delete.
//
// # Usage
//
//	store, _ := vault.New(cfg.Store)
//	backend, _ := svcacct.NewBackend(cfg.Identity.Variant, store, cfg.Identity)
//	guard := svcacct.NewGuard(store, cfg.Authorization, logger)
//	rotation := svcacct.NewRotationManager(store, minter, guard, logger)
//	orch := svcacct.NewOrchestrator(store, backend, rotation, guard,
//	    svcacct.WithLogger(logger))
//
//	result, err := orch.Onboard(ctx, req, caller)
//
// # Extension
//
// New identity backends register a BackendFactory via an init() function
// and svcacct.RegisterFactory().
package svcacct
