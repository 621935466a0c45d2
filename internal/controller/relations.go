/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	supersetv1alpha1 "github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/relation"
	"github.com/lukasngl/superset-operator/internal/trino"
)

// Blocked status messages.
const (
	MessageNeedsPostgreSQL = "Needs a PostgreSQL relation"
	MessageNeedsRedis      = "Needs a Redis relation"
)

// blockedError reports a relation whose object is absent or incomplete.
// Its message is shown as the Blocked status message.
type blockedError struct {
	message string
	cause   error
}

func (e *blockedError) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *blockedError) Unwrap() error { return e.cause }

// dependencies is the parsed relation data the workload needs to start.
type dependencies struct {
	PostgreSQL *relation.PostgreSQL
	Redis      *relation.Redis
}

// loadDependencies reads the PostgreSQL and Redis relations. A relation
// that is not configured, missing or incomplete yields a *blockedError.
func loadDependencies(ctx context.Context, c client.Reader, s *supersetv1alpha1.Superset) (*dependencies, error) {
	rel := s.Spec.Relations

	if rel.PostgreSQL == nil {
		return nil, &blockedError{message: MessageNeedsPostgreSQL}
	}
	var secret corev1.Secret
	if err := c.Get(ctx, client.ObjectKey{Namespace: s.Namespace, Name: rel.PostgreSQL.SecretName}, &secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &blockedError{message: MessageNeedsPostgreSQL}
		}
		return nil, fmt.Errorf("getting postgresql relation secret: %w", err)
	}
	pg, err := relation.ParsePostgreSQL(secretData(&secret))
	if err != nil {
		return nil, &blockedError{message: MessageNeedsPostgreSQL, cause: err}
	}

	if rel.Redis == nil {
		return nil, &blockedError{message: MessageNeedsRedis}
	}
	var cm corev1.ConfigMap
	if err := c.Get(ctx, client.ObjectKey{Namespace: s.Namespace, Name: rel.Redis.ConfigMapName}, &cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &blockedError{message: MessageNeedsRedis}
		}
		return nil, fmt.Errorf("getting redis relation configmap: %w", err)
	}
	redis, err := relation.ParseRedis(cm.Data)
	if err != nil {
		return nil, &blockedError{message: MessageNeedsRedis, cause: err}
	}

	return &dependencies{PostgreSQL: pg, Redis: redis}, nil
}

// blockedMessage returns the Blocked status message carried by err, or
// the empty string if err does not block the workload.
func blockedMessage(err error) string {
	var blocked *blockedError
	if errors.As(err, &blocked) {
		return blocked.message
	}
	return ""
}

// loadDescriptor reads the Trino catalog relation. It returns nil without
// error when the relation is not configured or its ConfigMap does not exist.
func loadDescriptor(ctx context.Context, c client.Reader, s *supersetv1alpha1.Superset) (*trino.Descriptor, error) {
	rel := s.Spec.Relations.TrinoCatalog
	if rel == nil {
		return nil, nil
	}

	var cm corev1.ConfigMap
	if err := c.Get(ctx, client.ObjectKey{Namespace: s.Namespace, Name: rel.ConfigMapName}, &cm); err != nil {
		return nil, client.IgnoreNotFound(err)
	}
	return trino.ParseDescriptor(cm.Data)
}

func secretData(secret *corev1.Secret) map[string]string {
	data := make(map[string]string, len(secret.Data)+len(secret.StringData))
	for k, v := range secret.Data {
		data[k] = string(v)
	}
	for k, v := range secret.StringData {
		data[k] = v
	}
	return data
}

// referencing returns a request for every Superset in the namespace of obj
// for which match reports true.
func referencing(
	ctx context.Context,
	c client.Reader,
	obj client.Object,
	match func(*supersetv1alpha1.Superset, string) bool,
) []reconcile.Request {
	var list supersetv1alpha1.SupersetList
	if err := c.List(ctx, &list, client.InNamespace(obj.GetNamespace())); err != nil {
		return nil
	}

	var reqs []reconcile.Request
	for i := range list.Items {
		s := &list.Items[i]
		if match(s, obj.GetName()) {
			reqs = append(reqs, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(s)})
		}
	}
	return reqs
}

func usesWorkloadRelation(s *supersetv1alpha1.Superset, name string) bool {
	rel := s.Spec.Relations
	return (rel.PostgreSQL != nil && rel.PostgreSQL.SecretName == name) ||
		(rel.Redis != nil && rel.Redis.ConfigMapName == name) ||
		s.Spec.AdminPasswordSecretRef.Name == name ||
		(s.Spec.SecretKeySecretRef != nil && s.Spec.SecretKeySecretRef.Name == name)
}

func usesCatalogRelation(s *supersetv1alpha1.Superset, name string) bool {
	rel := s.Spec.Relations.TrinoCatalog
	return rel != nil && rel.ConfigMapName == name
}
