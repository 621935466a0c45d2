// Package trino parses the data published by a Trino deployment: the catalog
// descriptor and the credentials secret.
package trino

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/lukasngl/superset-operator/internal/schema"
)

// Relation data keys.
const (
	KeyURL               = "trino_url"
	KeyCatalogs          = "trino_catalogs"
	KeyCredentialsSecret = "trino_credentials_secret_id"

	tlsPort = "443"
)

// ErrIncomplete is returned when one of the relation data keys is missing.
var ErrIncomplete = errors.New("relation data incomplete")

// Catalog is a single Trino catalog exposed to Superset.
type Catalog struct {
	Name        string `json:"name" jsonschema:"minLength=1"`
	Connector   string `json:"connector,omitempty"`
	Description string `json:"description,omitempty"`
}

var catalogsSchema = schema.MustSchema([]Catalog{})

// Descriptor describes a Trino server and the catalogs it exposes.
type Descriptor struct {
	// ServerAddress is "host:port".
	ServerAddress string
	// Catalogs is sorted by name and unique by name. It may be empty.
	Catalogs []Catalog
	// CredentialsSecretRef identifies the secret holding Trino users.
	CredentialsSecretRef string
}

// UseTLS reports whether connections to the server use TLS. This is
// inferred from the port: only 443 selects TLS.
func (d *Descriptor) UseTLS() bool {
	return UseTLS(d.ServerAddress)
}

// UseTLS reports whether the port of a "host:port" address is 443.
func UseTLS(hostPort string) bool {
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		i := strings.LastIndex(hostPort, ":")
		if i < 0 {
			return false
		}
		port = hostPort[i+1:]
	}
	return port == tlsPort
}

// ParseDescriptor parses relation data into a [Descriptor]. All three keys
// must be present and non-empty, and the catalog list must match the
// catalog schema. Duplicate catalog names keep their first occurrence.
func ParseDescriptor(data map[string]string) (*Descriptor, error) {
	for _, key := range []string{KeyURL, KeyCatalogs, KeyCredentialsSecret} {
		if strings.TrimSpace(data[key]) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrIncomplete, key)
		}
	}

	raw := json.RawMessage(data[KeyCatalogs])
	if err := catalogsSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyCatalogs, err)
	}

	var catalogs []Catalog
	if err := json.Unmarshal(raw, &catalogs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", KeyCatalogs, err)
	}

	seen := make(map[string]bool, len(catalogs))
	unique := catalogs[:0]
	for _, c := range catalogs {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		unique = append(unique, c)
	}
	slices.SortFunc(unique, func(a, b Catalog) int {
		return strings.Compare(a.Name, b.Name)
	})

	return &Descriptor{
		ServerAddress:        strings.TrimSpace(data[KeyURL]),
		Catalogs:             unique,
		CredentialsSecretRef: strings.TrimSpace(data[KeyCredentialsSecret]),
	}, nil
}
