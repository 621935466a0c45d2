package secretstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Vault reads KV version 2 secrets. References have the form
// "vault:<mount>/<path>".
type Vault struct {
	client *vault.Client
}

// NewVault creates a Vault backend for the server at addr, authenticating
// with token.
func NewVault(addr, token string) (*Vault, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	c, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	c.SetToken(token)
	return &Vault{client: c}, nil
}

// Get reads the latest version of the referenced secret. Values that are
// not strings are formatted with %v.
func (v *Vault) Get(ctx context.Context, _ string, ref string) (map[string]string, error) {
	mount, path, ok := strings.Cut(strings.TrimPrefix(ref, vaultPrefix), "/")
	if !ok || mount == "" || path == "" {
		return nil, fmt.Errorf("%w: %q is not vault:<mount>/<path>", ErrUnsupported, ref)
	}

	secret, err := v.client.KVv2(mount).Get(ctx, path)
	switch {
	case errors.Is(err, vault.ErrSecretNotFound) || isVaultStatus(err, http.StatusNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case isVaultStatus(err, http.StatusForbidden):
		return nil, fmt.Errorf("%w: %s: %v", ErrForbidden, ref, err)
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}

	content := make(map[string]string, len(secret.Data))
	for k, val := range secret.Data {
		if s, ok := val.(string); ok {
			content[k] = s
			continue
		}
		content[k] = fmt.Sprintf("%v", val)
	}
	return content, nil
}

func isVaultStatus(err error, status int) bool {
	var apiErr *vault.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
