package svcacct

import (
	"fmt"
	"strings"
)

// AccessLevel is the permission level a subject holds on a service account.
type AccessLevel string

const (
	// AccessRead permits reading the account's stored credentials.
	AccessRead AccessLevel = "read"
	// AccessWrite permits reading plus rotating and deleting credentials.
	AccessWrite AccessLevel = "write"
	// AccessDeny blocks all access regardless of other grants.
	AccessDeny AccessLevel = "deny"
	// AccessOwner is the distinguished administrative grant. Exactly one
	// subject holds it per account after onboarding.
	AccessOwner AccessLevel = "owner"
)

// Valid reports whether the level is one of the four known levels.
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessRead, AccessWrite, AccessDeny, AccessOwner:
		return true
	}
	return false
}

// Prefix returns the single-character policy-name prefix for the level.
func (l AccessLevel) Prefix() string {
	switch l {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessDeny:
		return "d"
	case AccessOwner:
		return "o"
	}
	return ""
}

// LevelFromPrefix maps a policy-name prefix character back to its level.
func LevelFromPrefix(prefix string) (AccessLevel, bool) {
	switch prefix {
	case "r":
		return AccessRead, true
	case "w":
		return AccessWrite, true
	case "d":
		return AccessDeny, true
	case "o":
		return AccessOwner, true
	}
	return "", false
}

// SubjectKind identifies the kind of principal a grant applies to.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectGroup   SubjectKind = "group"
	SubjectAppRole SubjectKind = "approle"
	SubjectAWSRole SubjectKind = "awsrole"
)

// Valid reports whether the kind is one of the four known kinds.
func (k SubjectKind) Valid() bool {
	switch k {
	case SubjectUser, SubjectGroup, SubjectAppRole, SubjectAWSRole:
		return true
	}
	return false
}

// Variant identifies the configured identity backend. The variant is chosen
// once at process start and every adapter call dispatches on it.
type Variant string

const (
	VariantLDAP     Variant = "ldap"
	VariantOIDC     Variant = "oidc"
	VariantUserPass Variant = "userpass"
)

// PolicyGrant is one permission assignment on a service account.
type PolicyGrant struct {
	// Kind is the subject kind the grant applies to.
	Kind SubjectKind `json:"kind"`

	// SubjectID names the user, group, approle or awsrole.
	SubjectID string `json:"subject_id"`

	// Level is the granted access level.
	Level AccessLevel `json:"level"`

	// Resource is the service-account key the grant scopes to.
	Resource string `json:"resource"`
}

// Caller describes the authenticated principal invoking an operation.
// Policies and IdentityPolicies are the two independent policy lists a
// token can carry; effective permissions are their precedence merge.
type Caller struct {
	Username         string
	Token            string
	Policies         []string
	IdentityPolicies []string
}

// AccountKey builds the canonical service-account key. Account names are
// case-insensitive, so the key is always lowercased.
func AccountKey(cloudAccountID, accountName string) string {
	return strings.ToLower(cloudAccountID + "_" + accountName)
}

// MetadataPath returns the backing-store path of the account's metadata.
func MetadataPath(accountKey string) string {
	return metaPathPrefix + accountKey
}

// SecretPath returns the backing-store path of one credential slot.
func SecretPath(accountKey string, slot int) string {
	return fmt.Sprintf("%s%s/secret_%d", secretPathPrefix, accountKey, slot)
}

const (
	metaPathPrefix   = "svc-account-meta/"
	secretPathPrefix = "svc-account/"

	// MaxCredentials is the number of credential slots per account.
	MaxCredentials = 2

	minAccessKeyIDLen = 16
	maxAccessKeyIDLen = 128
)

// SeedSecret is an existing access key supplied at onboarding time.
type SeedSecret struct {
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret,omitempty"`
	ExpiryEpoch     int64  `json:"expiryDateEpoch,omitempty"`
}

// OnboardRequest describes a service account to bring under management.
type OnboardRequest struct {
	// AccountName is the cloud-side principal name (case-insensitive).
	AccountName string `json:"userName"`

	// CloudAccountID is the owning cloud account id (12 digits).
	CloudAccountID string `json:"awsAccountId"`

	// Owner is the owner's directory id.
	Owner string `json:"ownerNtid"`

	// OwnerEmail receives best-effort notifications.
	OwnerEmail string `json:"ownerEmail,omitempty"`

	// SelfSupportGroup, if set, is granted write at onboarding.
	SelfSupportGroup string `json:"adSelfSupportGroup,omitempty"`

	// ExpiryEpoch is the account-level expiry.
	ExpiryEpoch int64 `json:"expiryDateEpoch,omitempty"`

	// SeedSecrets are pre-existing access keys to store (at most 2).
	SeedSecrets []SeedSecret `json:"secret,omitempty"`
}

// OnboardResult reports the outcome of an onboarding.
type OnboardResult struct {
	AccountKey string
	Message    string
	Warnings   []string
}

// ActivateResult reports the outcome of an activation.
type ActivateResult struct {
	AccountKey  string
	RotatedKeys []string
	Message     string
	Warnings    []string
}

// GrantRequest asks for a permission change on a service account.
type GrantRequest struct {
	AccountKey string      `json:"iamSvcAccName"`
	Kind       SubjectKind `json:"kind"`
	SubjectID  string      `json:"subjectId"`
	Level      AccessLevel `json:"access"`
}

// GrantResult reports the outcome of a grant or revoke.
type GrantResult struct {
	Message string
}

// OffboardResult reports the outcome of an offboarding.
type OffboardResult struct {
	AccountKey string
	Message    string
	Warnings   []string
}

// Credential is one live access key held by a service account.
type Credential struct {
	AccessKeyID string `json:"accessKeyId"`
	ExpiryEpoch int64  `json:"expiryDateEpoch"`
	SlotIndex   int    `json:"-"`
}

// MintedCredential is a fresh key returned by the credential minter.
// SecretMaterial is written to the backing store and never logged.
type MintedCredential struct {
	AccessKeyID    string
	SecretMaterial string
	ExpiryEpoch    int64
}

// User-facing messages. Several are load-bearing for API consumers and
// must not be reworded.
const (
	MsgOnboardSuccess  = "Successfully completed onboarding of IAM service account"
	MsgActivateSuccess = "IAM Service account activated successfully"
	MsgRotateSuccess   = "IAM Service account secret rotated successfully"
	MsgAlreadyActive   = "Service Account is already activated. You can now grant permissions from Permissions menu."
	MsgOffboardSuccess = "Successfully offboarded service account (if existed) from management"
	MsgOffboardPartial = "Service account offboarded with warnings"
	MsgContactAdmin    = "Please contact your administrator."
)
