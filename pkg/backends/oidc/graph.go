package oidc

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-beta-sdk-go"
	graphgroups "github.com/microsoftgraph/msgraph-beta-sdk-go/groups"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

// graphClient implements GraphClient against the Microsoft Graph API using
// client-credential auth.
type graphClient struct {
	client *msgraphsdk.GraphServiceClient
}

func newGraphClient(cfg svcacct.IdentityConfig) (*graphClient, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, svcacct.ErrBackend("failed to build directory credential").WithCause(err)
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred,
		[]string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, svcacct.ErrBackend("failed to build directory client").WithCause(err)
	}
	return &graphClient{client: client}, nil
}

// GroupObjectID implements GraphClient. The directory may hold several
// groups with the same display name when on-premises sync is involved; the
// cloud-native entry, the one without a sync marker, is the one whose
// object id the identity store aliases against.
func (g *graphClient) GroupObjectID(ctx context.Context, displayName string) (string, error) {
	filter := fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(displayName, "'", "''"))
	result, err := g.client.Groups().Get(ctx, &graphgroups.GroupsRequestBuilderGetRequestConfiguration{
		QueryParameters: &graphgroups.GroupsRequestBuilderGetQueryParameters{
			Filter: &filter,
		},
	})
	if err != nil {
		return "", svcacct.ErrBackend("directory group lookup failed").
			WithResource("group", displayName).WithCause(err)
	}
	for _, entry := range result.GetValue() {
		if entry.GetOnPremisesSyncEnabled() != nil {
			continue
		}
		if id := entry.GetId(); id != nil {
			return *id, nil
		}
	}
	return "", svcacct.ErrNotFound("group", displayName)
}
