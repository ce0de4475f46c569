package svcacct

import (
	"fmt"
	"regexp"
)

var (
	cloudAccountIDRegex = regexp.MustCompile(`^\d{12}$`)
	accountNameRegex    = regexp.MustCompile(`^[a-zA-Z0-9_+=,.@-]+$`)
)

// ValidateCloudAccountID validates a cloud account id format.
func ValidateCloudAccountID(id string) error {
	if !cloudAccountIDRegex.MatchString(id) {
		return ErrValidation(fmt.Sprintf("invalid cloud account id format: %s", id))
	}
	return nil
}

// ValidateOnboardRequest checks an onboarding request before any backend
// call is made.
func ValidateOnboardRequest(req OnboardRequest) error {
	if req.AccountName == "" {
		return ErrValidation("account name is required")
	}
	if !accountNameRegex.MatchString(req.AccountName) {
		return ErrValidation(fmt.Sprintf("invalid account name: %s", req.AccountName))
	}
	if err := ValidateCloudAccountID(req.CloudAccountID); err != nil {
		return err
	}
	if req.Owner == "" {
		return ErrValidation("owner is required")
	}
	return ValidateSeedSecrets(req.SeedSecrets)
}

// ValidateSeedSecrets checks an optional seed-secret payload: the list must
// be non-empty when present, each access-key id must be 16-128 characters,
// and two supplied keys must not share an id.
func ValidateSeedSecrets(secrets []SeedSecret) error {
	if secrets == nil {
		return nil
	}
	if len(secrets) == 0 {
		return ErrValidation("secret list must not be empty when supplied")
	}
	if len(secrets) > MaxCredentials {
		return ErrValidation(fmt.Sprintf("at most %d access keys are supported", MaxCredentials))
	}
	for _, s := range secrets {
		if n := len(s.AccessKeyID); n < minAccessKeyIDLen || n > maxAccessKeyIDLen {
			return ErrValidation(fmt.Sprintf(
				"access key id must be between %d and %d characters", minAccessKeyIDLen, maxAccessKeyIDLen))
		}
	}
	if len(secrets) == MaxCredentials && secrets[0].AccessKeyID == secrets[1].AccessKeyID {
		return ErrValidation("duplicate access key id in secret list")
	}
	return nil
}

// ValidateGrantRequest checks a grant/revoke request shape.
func ValidateGrantRequest(req GrantRequest) error {
	if req.AccountKey == "" {
		return ErrValidation("account key is required")
	}
	if req.SubjectID == "" {
		return ErrValidation("subject id is required")
	}
	if !req.Kind.Valid() {
		return ErrValidation(fmt.Sprintf("invalid subject kind: %s", req.Kind))
	}
	if !req.Level.Valid() {
		return ErrValidation(fmt.Sprintf("invalid access level: %s", req.Level))
	}
	return nil
}
