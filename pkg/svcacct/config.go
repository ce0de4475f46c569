package svcacct

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded once at startup.
type Config struct {
	Store         StoreConfig    `yaml:"store"`
	Identity      IdentityConfig `yaml:"identity"`
	Minting       MintingConfig  `yaml:"minting"`
	Authorization AuthzConfig    `yaml:"authorization"`
	Email         EmailConfig    `yaml:"email"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	// Kind is "vault" or "memory".
	Kind string `yaml:"kind"`

	// Address is the store endpoint (vault only).
	Address string `yaml:"address"`

	// Token authenticates the manager's own store access. Overridable via
	// SVCACCT_STORE_TOKEN so it never has to live in the file.
	Token string `yaml:"token"`
}

// IdentityConfig selects the backend variant and carries variant-specific
// settings. Only the chosen variant's fields are consulted.
type IdentityConfig struct {
	Variant Variant `yaml:"variant"`

	// OIDC settings.
	TenantID      string `yaml:"tenant_id"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"` // env: SVCACCT_OIDC_CLIENT_SECRET
	MountAccessor string `yaml:"mount_accessor"`
}

// MintingConfig configures the credential-minting service client.
type MintingConfig struct {
	Region string `yaml:"region"`

	// KeyTTLDays sets the expiry stamped on minted keys. Zero means the
	// minter's default of 90 days.
	KeyTTLDays int `yaml:"key_ttl_days"`
}

// AuthzConfig carries the authorization guard's fixed policy names.
type AuthzConfig struct {
	// AdminPolicy is the bootstrap-admin policy name.
	AdminPolicy string `yaml:"admin_policy"`

	// Exception is the single allowed bootstrap approle association.
	Exception BootstrapException `yaml:"bootstrap_exception"`
}

// BootstrapException names the one approle/account pair allowed to
// self-associate read-only without ownership. It must not be generalized.
type BootstrapException struct {
	AppRole    string `yaml:"approle"`
	AccountKey string `yaml:"account_key"`
}

// EmailConfig configures the best-effort notifier.
type EmailConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
}

// LoadConfig reads and validates a YAML config file. Secret-bearing fields
// are overridable from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config format: %w", err)
	}

	if v := os.Getenv("SVCACCT_STORE_TOKEN"); v != "" {
		cfg.Store.Token = v
	}
	if v := os.Getenv("SVCACCT_OIDC_CLIENT_SECRET"); v != "" {
		cfg.Identity.ClientSecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for structural problems.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "vault":
		if c.Store.Address == "" {
			return ErrValidation("store.address is required for the vault store")
		}
	case "memory":
	default:
		return ErrValidation(fmt.Sprintf("store.kind must be 'vault' or 'memory', got %q", c.Store.Kind))
	}

	switch c.Identity.Variant {
	case VariantLDAP, VariantUserPass:
	case VariantOIDC:
		if c.Identity.TenantID == "" || c.Identity.ClientID == "" {
			return ErrValidation("identity.tenant_id and identity.client_id are required for the oidc variant")
		}
	default:
		return ErrValidation(fmt.Sprintf("identity.variant must be one of ldap, oidc, userpass, got %q", c.Identity.Variant))
	}

	if c.Authorization.AdminPolicy == "" {
		return ErrValidation("authorization.admin_policy is required")
	}
	return nil
}
