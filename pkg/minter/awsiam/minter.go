// Package awsiam mints and revokes access keys through the AWS IAM API.
package awsiam

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

const defaultKeyTTL = 90 * 24 * time.Hour

// IAMClient abstracts the IAM access-key operations the minter needs.
// *iam.Client satisfies it; tests substitute a fake.
type IAMClient interface {
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
}

// Minter is an IAM-backed svcacct.CredentialMinter.
type Minter struct {
	client IAMClient
	keyTTL time.Duration
	now    func() time.Time
}

// New creates a minter using the default AWS credential chain.
func New(ctx context.Context, cfg svcacct.MintingConfig) (*Minter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, svcacct.ErrBackend("failed to load cloud credentials").WithCause(err)
	}
	return NewWithClient(iam.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a minter around an existing IAM client.
func NewWithClient(client IAMClient, cfg svcacct.MintingConfig) *Minter {
	ttl := defaultKeyTTL
	if cfg.KeyTTLDays > 0 {
		ttl = time.Duration(cfg.KeyTTLDays) * 24 * time.Hour
	}
	return &Minter{client: client, keyTTL: ttl, now: time.Now}
}

// Mint implements svcacct.CredentialMinter. IAM caps a principal at two
// access keys; hitting that cap surfaces as a CategoryQuota error.
func (m *Minter) Mint(ctx context.Context, cloudAccountID, principal string) (*svcacct.MintedCredential, error) {
	out, err := m.client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(principal),
	})
	if err != nil {
		if isLimitExceeded(err) {
			return nil, svcacct.ErrQuota("the principal already holds the maximum number of provider access keys").
				WithOperation("mint").WithResource("principal", principal).WithCause(err)
		}
		if isNoSuchEntity(err) {
			return nil, svcacct.ErrNotFound("principal", principal).WithCause(err)
		}
		return nil, svcacct.ErrBackend("access key creation failed").
			WithOperation("mint").WithResource("principal", principal).WithCause(err)
	}
	key := out.AccessKey
	return &svcacct.MintedCredential{
		AccessKeyID:    aws.ToString(key.AccessKeyId),
		SecretMaterial: aws.ToString(key.SecretAccessKey),
		ExpiryEpoch:    m.now().Add(m.keyTTL).Unix(),
	}, nil
}

// Revoke implements svcacct.CredentialMinter. Revoking a key the provider
// no longer has succeeds; the goal state is already met.
func (m *Minter) Revoke(ctx context.Context, cloudAccountID, principal, accessKeyID string) error {
	_, err := m.client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(principal),
		AccessKeyId: aws.String(accessKeyID),
	})
	if err != nil && !isNoSuchEntity(err) {
		return svcacct.ErrBackend("access key deletion failed").
			WithOperation("revoke").WithResource("principal", principal).WithCause(err)
	}
	return nil
}

func isLimitExceeded(err error) bool {
	return err != nil && strings.Contains(err.Error(), "LimitExceeded")
}

func isNoSuchEntity(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NoSuchEntity")
}
