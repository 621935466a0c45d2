// Package secretstore resolves secret references to their content. A
// reference is routed to a backend by its form:
//
//   - "vault:<mount>/<path>" reads a HashiCorp Vault KV v2 secret,
//   - "arn:aws:secretsmanager:..." reads an AWS Secrets Manager secret,
//   - anything else names a Kubernetes Secret in the caller's namespace.
//
// Every read goes to the backend; nothing is cached.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the referenced secret does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrForbidden is returned when the operator may not read the secret.
	ErrForbidden = errors.New("secret access denied")
	// ErrUnsupported is returned when no configured backend serves the reference.
	ErrUnsupported = errors.New("unsupported secret reference")
)

const (
	vaultPrefix = "vault:"
	awsPrefix   = "arn:aws:secretsmanager:"
)

// Backend reads secret content from one secret system.
type Backend interface {
	Get(ctx context.Context, namespace, ref string) (map[string]string, error)
}

// Store routes secret references to backends.
type Store struct {
	kubernetes Backend
	vault      Backend
	aws        Backend
}

// Option configures a [Store].
type Option func(*Store)

// WithVault enables "vault:" references.
func WithVault(b Backend) Option {
	return func(s *Store) { s.vault = b }
}

// WithAWS enables Secrets Manager ARN references.
func WithAWS(b Backend) Option {
	return func(s *Store) { s.aws = b }
}

// New creates a [Store] that resolves plain references with the given
// Kubernetes backend.
func New(kubernetes Backend, opts ...Option) *Store {
	s := &Store{kubernetes: kubernetes}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the content of the referenced secret.
func (s *Store) Get(ctx context.Context, namespace, ref string) (map[string]string, error) {
	b, err := s.backend(ref)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, namespace, ref)
}

func (s *Store) backend(ref string) (Backend, error) {
	switch {
	case strings.HasPrefix(ref, vaultPrefix):
		if s.vault == nil {
			return nil, fmt.Errorf("%w: vault is not configured", ErrUnsupported)
		}
		return s.vault, nil
	case strings.HasPrefix(ref, awsPrefix):
		if s.aws == nil {
			return nil, fmt.Errorf("%w: aws secrets manager is not configured", ErrUnsupported)
		}
		return s.aws, nil
	default:
		return s.kubernetes, nil
	}
}

// Namespaced binds a store to a namespace.
type Namespaced struct {
	Store     *Store
	Namespace string
}

// Get returns the content of the referenced secret.
func (n Namespaced) Get(ctx context.Context, ref string) (map[string]string, error) {
	return n.Store.Get(ctx, n.Namespace, ref)
}
