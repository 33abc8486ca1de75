package azure

import (
	"context"

	"pkt.systems/blobkv/internal/blob"
)

// Opener turns resolved credentials into containers. Endpoint overrides the
// service URL derived from the account name (useful for Azurite).
type Opener struct {
	Endpoint string
	Prefix   string
}

// OpenConnectionString opens containerName using an Azure storage
// connection string.
func (o Opener) OpenConnectionString(_ context.Context, connectionString, containerName string) (blob.Container, error) {
	return New(Config{
		ConnectionString: connectionString,
		Container:        containerName,
		Prefix:           o.Prefix,
	})
}

// OpenSharedAccessSignature opens containerName on account using a SAS token.
func (o Opener) OpenSharedAccessSignature(_ context.Context, sas, account, endpointSuffix, containerName string) (blob.Container, error) {
	return New(Config{
		SASToken:       sas,
		Account:        account,
		EndpointSuffix: endpointSuffix,
		Endpoint:       o.Endpoint,
		Container:      containerName,
		Prefix:         o.Prefix,
	})
}
