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
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	supersetv1alpha1 "github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/workload"
)

// DatastoreRetryInterval is how long to wait before retrying an
// unreachable PostgreSQL database.
const DatastoreRetryInterval = 30 * time.Second

// SupersetReconciler runs the Superset workload: the state Secret, the
// Deployment and, for UI functions, the Service.
type SupersetReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// ProbeDatastore pings PostgreSQL before planning the workload.
	ProbeDatastore bool
}

// +kubebuilder:rbac:groups=superset.ngl.cx,resources=supersets,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=superset.ngl.cx,resources=supersets/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=services;secrets,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch

// SetupWithManager sets up the controller with the Manager.
func (r *SupersetReconciler) SetupWithManager(mgr ctrl.Manager) error {
	enqueue := handler.EnqueueRequestsFromMapFunc(
		func(ctx context.Context, obj client.Object) []ctrl.Request {
			return referencing(ctx, mgr.GetClient(), obj, usesWorkloadRelation)
		},
	)

	return ctrl.NewControllerManagedBy(mgr).
		Named("superset").
		For(&supersetv1alpha1.Superset{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.Secret{}).
		Watches(&corev1.Secret{}, enqueue).
		Watches(&corev1.ConfigMap{}, enqueue).
		Complete(r)
}

// Reconcile plans the workload once the PostgreSQL and Redis relations are
// available and reports its health on the status.
func (r *SupersetReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var s supersetv1alpha1.Superset
	if err := r.Get(ctx, req.NamespacedName, &s); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	l := log.FromContext(ctx).WithValues("function", s.GetFunction())
	ctx = log.IntoContext(ctx, l)
	interval := s.GetUpdateStatusInterval()

	// Invalid specs wait for the next spec change.
	if err := s.Validate(); err != nil {
		l.Error(err, "validation failed")
		s.Status.SetFailed(s.Generation, fmt.Errorf("invalid config: %w", err))
		return ctrl.Result{}, r.Status().Update(ctx, &s)
	}

	deps, err := loadDependencies(ctx, r.Client, &s)
	if msg := blockedMessage(err); msg != "" {
		l.Info("workload blocked", "reason", err.Error())
		s.Status.SetPhase(s.Generation, supersetv1alpha1.PhaseBlocked, "MissingRelation", msg)
		return ctrl.Result{RequeueAfter: interval}, r.Status().Update(ctx, &s)
	}
	if err != nil {
		return r.failStatus(ctx, &s, err)
	}

	if r.ProbeDatastore {
		if err := deps.PostgreSQL.Ping(ctx); err != nil {
			l.Error(err, "postgresql unreachable")
			s.Status.SetPhase(s.Generation, supersetv1alpha1.PhaseMaintenance,
				"DatastoreUnavailable", "Waiting for PostgreSQL")
			return ctrl.Result{RequeueAfter: DatastoreRetryInterval}, r.Status().Update(ctx, &s)
		}
	}

	stateHash, err := r.reconcileState(ctx, &s, deps)
	if err != nil {
		return r.failStatus(ctx, &s, fmt.Errorf("state secret: %w", err))
	}

	dep, err := r.reconcileDeployment(ctx, &s, deps, stateHash)
	if err != nil {
		return r.failStatus(ctx, &s, fmt.Errorf("deployment: %w", err))
	}

	if s.GetFunction().ServesUI() {
		if err := r.reconcileService(ctx, &s); err != nil {
			return r.failStatus(ctx, &s, fmt.Errorf("service: %w", err))
		}
	}

	phase, reason, msg := workloadStatus(dep)
	s.Status.SetPhase(s.Generation, phase, reason, msg)
	if err := r.Status().Update(ctx, &s); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{RequeueAfter: interval}, nil
}

// reconcileState writes the owned state Secret and returns its hash.
func (r *SupersetReconciler) reconcileState(
	ctx context.Context,
	s *supersetv1alpha1.Superset,
	deps *dependencies,
) (string, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.StateSecretName(),
			Namespace: s.Namespace,
		},
	}

	var data map[string][]byte
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, secret, func() error {
		if err := controllerutil.SetControllerReference(s, secret, r.Scheme); err != nil {
			return err
		}
		var err error
		data, err = workload.StateData(secret.Data, deps.PostgreSQL, s.Spec.SecretKeySecretRef == nil)
		if err != nil {
			return err
		}
		secret.Labels = workload.Labels(s)
		secret.Data = data
		return nil
	})
	if err != nil {
		return "", err
	}

	return workload.Hash(data), nil
}

func (r *SupersetReconciler) reconcileDeployment(
	ctx context.Context,
	s *supersetv1alpha1.Superset,
	deps *dependencies,
	stateHash string,
) (*appsv1.Deployment, error) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.Name,
			Namespace: s.Namespace,
		},
	}

	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, dep, func() error {
		if err := controllerutil.SetControllerReference(s, dep, r.Scheme); err != nil {
			return err
		}
		workload.MutateDeployment(dep, s, workload.Env(s, deps.Redis), stateHash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if op != controllerutil.OperationResultNone {
		log.FromContext(ctx).Info("deployment planned", "operation", op)
	}

	return dep, nil
}

func (r *SupersetReconciler) reconcileService(ctx context.Context, s *supersetv1alpha1.Superset) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.Name,
			Namespace: s.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, svc, func() error {
		if err := controllerutil.SetControllerReference(s, svc, r.Scheme); err != nil {
			return err
		}
		workload.MutateService(svc, s)
		return nil
	})
	return err
}

// failStatus persists a failed status and returns the error for backoff retry.
func (r *SupersetReconciler) failStatus(
	ctx context.Context,
	s *supersetv1alpha1.Superset,
	err error,
) (ctrl.Result, error) {
	log.FromContext(ctx).Error(err, "reconciliation failed")
	s.Status.SetFailed(s.Generation, err)
	if updateErr := r.Status().Update(ctx, s); updateErr != nil {
		return ctrl.Result{}, updateErr
	}

	return ctrl.Result{}, err
}

// workloadStatus maps the Deployment state to a phase.
func workloadStatus(dep *appsv1.Deployment) (phase, reason, message string) {
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}

	st := dep.Status
	switch {
	case st.ObservedGeneration < dep.Generation || st.UpdatedReplicas < want:
		return supersetv1alpha1.PhaseMaintenance, "RollingOut", "replanning application"
	case st.ReadyReplicas >= 1:
		return supersetv1alpha1.PhaseActive, "StatusCheckUp", "Status check: UP"
	default:
		return supersetv1alpha1.PhaseMaintenance, "StatusCheckDown", "Status check: DOWN"
	}
}
