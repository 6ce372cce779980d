package secrets

import (
	"context"
	"fmt"
	"path"
	"strings"

	vault "github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"
)

// DefaultField is the field read from a Vault secret when the handle
// doesn't name one.
const DefaultField = "value"

// Vault resolves handles from a KV v2 secrets engine. The handle
// "credentialsJSON:stashPassword" reads field "value" of the secret at
// <Path>/stashPassword; "credentialsJSON:bitbucket#password" reads field
// "password" of <Path>/bitbucket.
type Vault struct {
	client *vault.Client
	mount  string
	path   string
}

// NewVault returns a Vault resolver for the server at address.
func NewVault(address, token, mount, prefix string) (*Vault, error) {
	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	if mount == "" {
		mount = "secret"
	}

	return &Vault{
		client: client,
		mount:  mount,
		path:   strings.Trim(prefix, "/"),
	}, nil
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, value string) (string, error) {
	if !IsHandle(value) {
		return value, nil
	}

	name, field := HandleName(value), DefaultField
	if idx := strings.LastIndex(name, "#"); idx >= 0 {
		name, field = name[:idx], name[idx+1:]
	}
	secretPath := path.Join(v.path, name)

	logger := logger.WithFields(log.Fields{
		"mount": v.mount,
		"path":  secretPath,
		"field": field,
	})
	logger.Debug("reading secret from vault")

	secret, err := v.client.KVv2(v.mount).Get(ctx, secretPath)
	if err != nil {
		logger.WithError(err).Debug("unable to read secret")
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, secretPath, err)
	}

	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q of %s", ErrNotFound, field, secretPath)
	}
	s, ok := raw.(string)
	if !ok {
		return fmt.Sprintf("%v", raw), nil
	}

	return s, nil
}
