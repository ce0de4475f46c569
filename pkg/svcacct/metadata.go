package svcacct

import (
	"context"
	"encoding/json"
	"fmt"
)

// MetadataVersion is the current metadata schema version.
const MetadataVersion = 1

// Metadata is the service account's durable record in the backing store.
// It is parsed once at the boundary; nothing downstream re-parses raw maps.
type Metadata struct {
	Version          int          `json:"schemaVersion"`
	AccountName      string       `json:"userName"`
	CloudAccountID   string       `json:"awsAccountId"`
	Owner            string       `json:"ownerNtid"`
	OwnerEmail       string       `json:"ownerEmail,omitempty"`
	SelfSupportGroup string       `json:"adSelfSupportGroup,omitempty"`
	Activated        bool         `json:"isActivated"`
	ExpiryEpoch      int64        `json:"expiryDateEpoch,omitempty"`
	Secret           []Credential `json:"secret"`

	// Grant records, subject name to access level.
	Users    map[string]string `json:"users,omitempty"`
	Groups   map[string]string `json:"groups,omitempty"`
	AppRoles map[string]string `json:"app-roles,omitempty"`
	AWSRoles map[string]string `json:"aws-roles,omitempty"`
}

// AccountKey returns the canonical key of the account this record describes.
func (m *Metadata) AccountKey() string {
	return AccountKey(m.CloudAccountID, m.AccountName)
}

// LoadMetadata reads and parses the metadata record for an account key.
func LoadMetadata(ctx context.Context, store BackingStore, accountKey string) (*Metadata, error) {
	data, err := store.Read(ctx, MetadataPath(accountKey))
	if err != nil {
		return nil, err
	}
	return metadataFromMap(data)
}

// Save writes the metadata record back to the backing store.
func (m *Metadata) Save(ctx context.Context, store BackingStore) error {
	data, err := m.toMap()
	if err != nil {
		return err
	}
	return store.Write(ctx, MetadataPath(m.AccountKey()), data)
}

// Grants returns the grant map for a subject kind, allocating it if needed.
func (m *Metadata) Grants(kind SubjectKind) map[string]string {
	switch kind {
	case SubjectUser:
		if m.Users == nil {
			m.Users = make(map[string]string)
		}
		return m.Users
	case SubjectGroup:
		if m.Groups == nil {
			m.Groups = make(map[string]string)
		}
		return m.Groups
	case SubjectAppRole:
		if m.AppRoles == nil {
			m.AppRoles = make(map[string]string)
		}
		return m.AppRoles
	case SubjectAWSRole:
		if m.AWSRoles == nil {
			m.AWSRoles = make(map[string]string)
		}
		return m.AWSRoles
	}
	return nil
}

// SetGrant records a grant in metadata.
func (m *Metadata) SetGrant(kind SubjectKind, subjectID string, level AccessLevel) {
	m.Grants(kind)[subjectID] = string(level)
}

// RemoveGrant removes a grant record from metadata.
func (m *Metadata) RemoveGrant(kind SubjectKind, subjectID string) {
	delete(m.Grants(kind), subjectID)
}

// CredentialByKeyID finds the stored credential entry for an access-key id.
func (m *Metadata) CredentialByKeyID(accessKeyID string) (*Credential, bool) {
	for i := range m.Secret {
		if m.Secret[i].AccessKeyID == accessKeyID {
			return &m.Secret[i], true
		}
	}
	return nil, false
}

// RemoveCredential drops a credential entry from the metadata secret list.
func (m *Metadata) RemoveCredential(accessKeyID string) bool {
	for i := range m.Secret {
		if m.Secret[i].AccessKeyID == accessKeyID {
			m.Secret = append(m.Secret[:i], m.Secret[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceCredential swaps the entry for oldKeyID with the new credential,
// appending when no old entry exists.
func (m *Metadata) ReplaceCredential(oldKeyID string, cred Credential) {
	for i := range m.Secret {
		if m.Secret[i].AccessKeyID == oldKeyID {
			m.Secret[i] = cred
			return
		}
	}
	m.Secret = append(m.Secret, cred)
}

func (m *Metadata) toMap() (map[string]interface{}, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to convert metadata: %w", err)
	}
	return out, nil
}

func metadataFromMap(data map[string]interface{}) (*Metadata, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, ErrValidation("malformed metadata record").WithCause(err)
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrValidation("malformed metadata record").WithCause(err)
	}
	if m.Version == 0 {
		// Records written before schemaVersion existed parse as version 0
		// and are treated as the current layout.
		m.Version = MetadataVersion
	}
	return &m, nil
}
