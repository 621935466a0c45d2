package charm

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lukasngl/superset-operator/api/v1alpha1"
)

// Gate admits sync passes only on the leader, for functions serving the
// UI, once the workload dependencies are ready. It implements
// [catalogsync.Gate].
type Gate struct {
	// IsLeader reports whether this process is the elected leader. Nil
	// means always leader.
	IsLeader func() bool
	Function v1alpha1.Function
	// Ready reports whether the PostgreSQL and Redis relations are
	// available. Nil means ready.
	Ready func(ctx context.Context) bool
}

// Open reports whether a sync pass may run.
func (g Gate) Open(ctx context.Context) bool {
	l := log.FromContext(ctx).V(1)

	if g.IsLeader != nil && !g.IsLeader() {
		l.Info("not the leader, skipping catalog sync")
		return false
	}
	if !g.Function.ServesUI() {
		l.Info("function does not serve the UI, skipping catalog sync", "function", g.Function)
		return false
	}
	if g.Ready != nil && !g.Ready(ctx) {
		l.Info("workload not ready, skipping catalog sync")
		return false
	}
	return true
}
