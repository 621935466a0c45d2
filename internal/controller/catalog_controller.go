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
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	supersetv1alpha1 "github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/catalogsync"
	"github.com/lukasngl/superset-operator/internal/charm"
	"github.com/lukasngl/superset-operator/internal/config"
	"github.com/lukasngl/superset-operator/internal/secretstore"
	"github.com/lukasngl/superset-operator/internal/superset"
	"github.com/lukasngl/superset-operator/internal/trino"
)

// TrinoCatalogRelation names the catalog relation in logs.
const TrinoCatalogRelation = "trino-catalog"

// APIFactory builds a Superset API client.
type APIFactory func(baseURL, username, password string) catalogsync.API

// CatalogReconciler synchronises the catalogs published on the Trino
// catalog relation into Superset database connections.
type CatalogReconciler struct {
	client.Client

	// Secrets resolves the Trino credentials secret reference.
	Secrets *secretstore.Store
	Config  *config.Config
	// IsLeader gates sync passes. Nil means always leader.
	IsLeader func() bool
	// NewAPI defaults to the Superset REST client.
	NewAPI  APIFactory
	Metrics *catalogsync.Metrics
	// Clock defaults to the wall clock.
	Clock clock.Clock

	triggers triggerQueue
	clients  apiCache
}

// +kubebuilder:rbac:groups=superset.ngl.cx,resources=supersets,verbs=get;list;watch
// +kubebuilder:rbac:groups=superset.ngl.cx,resources=supersets/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=configmaps;secrets,verbs=get;list;watch

// SetupWithManager sets up the controller with the Manager. Catalog passes
// never run concurrently.
func (r *CatalogReconciler) SetupWithManager(mgr ctrl.Manager) error {
	c := mgr.GetClient()

	relations := &triggerHandler{
		queue: &r.triggers,
		mapFn: func(ctx context.Context, obj client.Object) []reconcile.Request {
			return referencing(ctx, c, obj, usesCatalogRelation)
		},
		onUpsert: func(client.Object) charm.Trigger { return charm.RelationChanged{} },
		onDelete: func(client.Object) charm.Trigger {
			return charm.RelationBroken{Relation: TrinoCatalogRelation}
		},
	}
	secrets := &triggerHandler{
		queue: &r.triggers,
		mapFn: func(ctx context.Context, obj client.Object) []reconcile.Request {
			return referencing(ctx, c, obj, func(s *supersetv1alpha1.Superset, _ string) bool {
				return s.Spec.Relations.TrinoCatalog != nil
			})
		},
		onUpsert: func(obj client.Object) charm.Trigger {
			return charm.SecretChanged{SecretID: obj.GetName()}
		},
	}

	return ctrl.NewControllerManagedBy(mgr).
		Named("catalog").
		For(&supersetv1alpha1.Superset{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Watches(&corev1.ConfigMap{}, relations.funcs()).
		Watches(&corev1.Secret{}, secrets.funcs()).
		WithOptions(controller.Options{MaxConcurrentReconciles: 1}).
		Complete(r)
}

// Reconcile handles the triggers recorded since the last reconcile, or a
// periodic tick when there are none, and records the outcome on the
// status.
func (r *CatalogReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var s supersetv1alpha1.Superset
	if err := r.Get(ctx, req.NamespacedName, &s); err != nil {
		if client.IgnoreNotFound(err) == nil {
			r.clients.forget(req.NamespacedName)
			r.triggers.drain(req.NamespacedName)
		}
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if s.Validate() != nil {
		// The workload controller reports the invalid spec.
		return ctrl.Result{}, nil
	}

	l := log.FromContext(ctx).WithValues("superset", req.NamespacedName)
	ctx = log.IntoContext(ctx, l)

	api, err := r.api(ctx, &s)
	if err != nil {
		l.Error(err, "building superset client")
		return ctrl.Result{RequeueAfter: s.GetUpdateStatusInterval()}, nil
	}

	descriptors := catalogsync.DescriptorFunc(func(ctx context.Context) (*trino.Descriptor, error) {
		return loadDescriptor(ctx, r.Client, &s)
	})
	dispatcher := &charm.Dispatcher{
		Descriptors: descriptors,
		Syncer: &catalogsync.Syncer{
			API:         api,
			Descriptors: descriptors,
			Credentials: &trino.CredentialProvider{
				Secrets:  secretstore.Namespaced{Store: r.Secrets, Namespace: s.Namespace},
				Identity: r.Config.Identity,
			},
			Gate: charm.Gate{
				IsLeader: r.IsLeader,
				Function: s.GetFunction(),
				Ready: func(ctx context.Context) bool {
					_, err := loadDependencies(ctx, r.Client, &s)
					return err == nil
				},
			},
			Role:    s.GetSelfRegistrationRole(),
			Retry:   r.Config.RetryPolicy(),
			Clock:   r.clock(),
			Metrics: r.Metrics,
		},
	}

	triggers := r.triggers.drain(req.NamespacedName)
	if len(triggers) == 0 {
		var known string
		if s.Status.CatalogSync != nil {
			known = s.Status.CatalogSync.CredentialDigest
		}
		triggers = []charm.Trigger{charm.PeriodicTick{KnownDigest: known}}
	}

	for _, t := range triggers {
		report := dispatcher.Handle(log.IntoContext(ctx, triggerLogger(l, t)), t)
		if err := r.recordReport(ctx, req.NamespacedName, report); err != nil {
			return ctrl.Result{}, fmt.Errorf("recording catalog sync status: %w", err)
		}
	}

	return ctrl.Result{RequeueAfter: s.GetUpdateStatusInterval()}, nil
}

func triggerLogger(l logr.Logger, t charm.Trigger) logr.Logger {
	switch t := t.(type) {
	case charm.SecretChanged:
		return l.WithValues("trigger", "secret-changed", "secret", t.SecretID)
	case charm.RelationChanged:
		return l.WithValues("trigger", "relation-changed", "relation", TrinoCatalogRelation)
	case charm.RelationBroken:
		return l.WithValues("trigger", "relation-broken", "relation", t.Relation)
	case charm.PeriodicTick:
		return l.WithValues("trigger", "update-status")
	default:
		return l.WithValues("trigger", fmt.Sprintf("%T", t))
	}
}

// recordReport writes the outcome of a trigger to the status. Passes that
// did not run because the gate is closed or the secret was unrelated leave
// the status untouched.
func (r *CatalogReconciler) recordReport(
	ctx context.Context,
	key types.NamespacedName,
	report catalogsync.Report,
) error {
	switch report.SkipReason {
	case catalogsync.SkipGateClosed, charm.SkipUntrackedSecret:
		return nil
	}

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var s supersetv1alpha1.Superset
		if err := r.Get(ctx, key, &s); err != nil {
			return client.IgnoreNotFound(err)
		}

		if report.Ran() {
			digest := report.CredentialDigest
			if report.Forced && report.Failed > 0 {
				// Connections may still hold the old credentials. Keeping the
				// previous digest makes the next tick force again.
				digest = ""
				if s.Status.CatalogSync != nil {
					digest = s.Status.CatalogSync.CredentialDigest
				}
			}
			s.Status.SetCatalogSync(s.Generation, supersetv1alpha1.CatalogSyncStatus{
				LastSyncTime:     metav1.NewTime(r.clock().Now()),
				Created:          report.Created,
				Updated:          report.Updated,
				Skipped:          report.Skipped,
				Failed:           report.Failed,
				CredentialDigest: digest,
			})
		} else {
			s.Status.SetCatalogSyncSkipped(s.Generation, string(report.SkipReason), skipMessage(report))
		}
		return r.Status().Update(ctx, &s)
	})
}

func skipMessage(report catalogsync.Report) string {
	var msg string
	switch report.SkipReason {
	case catalogsync.SkipNoDescriptor:
		msg = "no trino catalog relation data"
	case catalogsync.SkipNoCredentials:
		msg = "trino credentials unavailable"
	case catalogsync.SkipNoCatalogs:
		msg = "no catalogs published"
	case catalogsync.SkipListFailed:
		msg = "listing superset databases failed"
	case charm.SkipRelationBroken:
		msg = "trino catalog relation removed, existing databases are left intact"
	default:
		msg = string(report.SkipReason)
	}
	if report.Err != nil {
		msg += ": " + report.Err.Error()
	}
	return msg
}

// api returns the cached client for s, rebuilding it when the URL or the
// admin credentials changed.
func (r *CatalogReconciler) api(ctx context.Context, s *supersetv1alpha1.Superset) (catalogsync.API, error) {
	ref := s.Spec.AdminPasswordSecretRef
	var secret corev1.Secret
	if err := r.Get(ctx, client.ObjectKey{Namespace: s.Namespace, Name: ref.Name}, &secret); err != nil {
		return nil, fmt.Errorf("getting admin password secret: %w", err)
	}
	password, ok := secretData(&secret)[ref.Key]
	if !ok || password == "" {
		return nil, fmt.Errorf("admin password secret %q has no key %q", ref.Name, ref.Key)
	}

	return r.clients.get(client.ObjectKeyFromObject(s), apiKey{
		url:      s.GetAPIURL(),
		username: r.Config.AdminUsername,
		password: password,
	}, r.newAPI), nil
}

func (r *CatalogReconciler) newAPI(baseURL, username, password string) catalogsync.API {
	var api catalogsync.API
	if r.NewAPI != nil {
		api = r.NewAPI(baseURL, username, password)
	} else {
		opts := append(r.Config.ClientOptions(), superset.WithClock(r.clock()))
		api = superset.New(baseURL, username, password, opts...)
	}
	if r.Metrics != nil {
		api = r.Metrics.Instrument(api)
	}
	return api
}

func (r *CatalogReconciler) clock() clock.Clock {
	if r.Clock == nil {
		return clock.WallClock
	}
	return r.Clock
}

// apiKey identifies the settings a cached client was built with.
type apiKey struct {
	url      string
	username string
	password string
}

type apiEntry struct {
	key apiKey
	api catalogsync.API
}

// apiCache keeps one client per Superset so that its session survives
// between passes.
type apiCache struct {
	mu      sync.Mutex
	entries map[types.NamespacedName]apiEntry
}

func (c *apiCache) get(name types.NamespacedName, key apiKey, build APIFactory) catalogsync.API {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[name]; ok && e.key == key {
		return e.api
	}
	if c.entries == nil {
		c.entries = map[types.NamespacedName]apiEntry{}
	}
	api := build(key.url, key.username, key.password)
	c.entries[name] = apiEntry{key: key, api: api}
	return api
}

func (c *apiCache) forget(name types.NamespacedName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}
