package trino

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// UsersKey is the secret key holding "username: password" lines.
const UsersKey = "users"

// ErrNoCredentials is returned when the secret has no entry for the
// consumer identity.
var ErrNoCredentials = errors.New("credentials entry not found")

// Credentials authenticate against Trino. They are resolved on every sync
// pass and never cached.
type Credentials struct {
	Username string
	Password string
}

// Digest fingerprints the credentials so that a rotation can be detected
// without storing the secret.
func (c Credentials) Digest() string {
	sum := sha256.Sum256([]byte(c.Username + "\x00" + c.Password))
	return hex.EncodeToString(sum[:8])
}

// EntryName returns the users entry expected for a consumer identity.
func EntryName(identity string) string {
	return "app-" + identity
}

// ParseUsers parses newline-separated "username: password" lines. Each line
// is split on the first colon and both sides are trimmed. Lines without a
// colon are ignored.
func ParseUsers(s string) map[string]string {
	users := make(map[string]string)
	for line := range strings.SplitSeq(strings.TrimSpace(s), "\n") {
		name, pass, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		users[strings.TrimSpace(name)] = strings.TrimSpace(pass)
	}
	return users
}

// SecretReader fetches the content of a secret by reference, bypassing any
// cache.
type SecretReader interface {
	Get(ctx context.Context, ref string) (map[string]string, error)
}

// CredentialProvider resolves the Trino credentials of one consumer identity.
type CredentialProvider struct {
	Secrets  SecretReader
	Identity string
}

// Credentials reads the secret behind ref and returns the entry for the
// provider's identity. Secret store errors are returned wrapped; a missing
// entry yields [ErrNoCredentials].
func (p *CredentialProvider) Credentials(ctx context.Context, ref string) (Credentials, error) {
	content, err := p.Secrets.Get(ctx, ref)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials secret %q: %w", ref, err)
	}

	name := EntryName(p.Identity)
	pass, ok := ParseUsers(content[UsersKey])[name]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: user %q in secret %q", ErrNoCredentials, name, ref)
	}

	return Credentials{Username: name, Password: pass}, nil
}
