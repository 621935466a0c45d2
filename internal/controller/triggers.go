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
	"slices"
	"sync"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/lukasngl/superset-operator/internal/charm"
)

// triggerQueue holds the triggers observed for each Superset until its
// next reconcile. Reconcile requests only carry a name, so watch handlers
// record here what happened.
type triggerQueue struct {
	mu      sync.Mutex
	pending map[types.NamespacedName][]charm.Trigger
}

func (q *triggerQueue) push(key types.NamespacedName, t charm.Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == nil {
		q.pending = map[types.NamespacedName][]charm.Trigger{}
	}
	if slices.Contains(q.pending[key], t) {
		return
	}
	q.pending[key] = append(q.pending[key], t)
}

// drain returns and forgets the triggers recorded for key, oldest first.
func (q *triggerQueue) drain(key types.NamespacedName) []charm.Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.pending[key]
	delete(q.pending, key)
	return ts
}

// triggerHandler enqueues the Supersets returned by mapFn and records the
// trigger built by the matching event callback. A nil callback ignores the
// event.
type triggerHandler struct {
	queue    *triggerQueue
	mapFn    func(ctx context.Context, obj client.Object) []reconcile.Request
	onUpsert func(obj client.Object) charm.Trigger
	onDelete func(obj client.Object) charm.Trigger
}

func (h *triggerHandler) handle(
	ctx context.Context,
	obj client.Object,
	build func(client.Object) charm.Trigger,
	q workqueue.RateLimitingInterface,
) {
	if build == nil {
		return
	}
	for _, req := range h.mapFn(ctx, obj) {
		h.queue.push(req.NamespacedName, build(obj))
		q.Add(req)
	}
}

func (h *triggerHandler) funcs() handler.Funcs {
	return handler.Funcs{
		CreateFunc: func(ctx context.Context, e event.CreateEvent, q workqueue.RateLimitingInterface) {
			h.handle(ctx, e.Object, h.onUpsert, q)
		},
		UpdateFunc: func(ctx context.Context, e event.UpdateEvent, q workqueue.RateLimitingInterface) {
			if e.ObjectOld.GetResourceVersion() == e.ObjectNew.GetResourceVersion() {
				return
			}
			h.handle(ctx, e.ObjectNew, h.onUpsert, q)
		},
		DeleteFunc: func(ctx context.Context, e event.DeleteEvent, q workqueue.RateLimitingInterface) {
			h.handle(ctx, e.Object, h.onDelete, q)
		},
	}
}
