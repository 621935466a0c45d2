package secretstore

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Kubernetes reads Secrets from the API server. Reader should be an
// uncached reader such as the manager's API reader, so that a rotated
// secret is seen immediately.
type Kubernetes struct {
	Reader client.Reader
}

// Get reads the Secret named ref in namespace.
func (k *Kubernetes) Get(ctx context.Context, namespace, ref string) (map[string]string, error) {
	if errs := validation.IsDNS1123Subdomain(ref); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %q: %s", ErrUnsupported, ref, strings.Join(errs, ", "))
	}

	var secret corev1.Secret
	err := k.Reader.Get(ctx, client.ObjectKey{Namespace: namespace, Name: ref}, &secret)
	switch {
	case apierrors.IsNotFound(err):
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, ref)
	case apierrors.IsForbidden(err):
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrForbidden, namespace, ref, err)
	case err != nil:
		return nil, fmt.Errorf("getting secret %s/%s: %w", namespace, ref, err)
	}

	content := make(map[string]string, len(secret.Data)+len(secret.StringData))
	for k, v := range secret.Data {
		content[k] = string(v)
	}
	for k, v := range secret.StringData {
		content[k] = v
	}
	return content, nil
}
