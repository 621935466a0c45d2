package charm

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lukasngl/superset-operator/internal/catalogsync"
)

const (
	// SkipUntrackedSecret is reported when a changed secret is not the
	// credentials secret of the current descriptor.
	SkipUntrackedSecret catalogsync.SkipReason = "UntrackedSecret"
	// SkipRelationBroken is reported when the catalog relation was removed.
	SkipRelationBroken catalogsync.SkipReason = "RelationBroken"
)

// Syncer runs catalog sync passes. [*catalogsync.Syncer] implements it.
type Syncer interface {
	Sync(ctx context.Context, opts catalogsync.Options) catalogsync.Report
}

// Dispatcher maps triggers to sync passes.
type Dispatcher struct {
	Syncer Syncer
	// Descriptors is read to decide whether a changed secret holds the
	// Trino credentials.
	Descriptors catalogsync.DescriptorSource
}

// Handle runs the sync pass a trigger calls for, if any.
func (d *Dispatcher) Handle(ctx context.Context, t Trigger) catalogsync.Report {
	l := log.FromContext(ctx)

	switch t := t.(type) {
	case RelationChanged:
		return d.Syncer.Sync(ctx, catalogsync.Options{})

	case SecretChanged:
		desc, err := d.Descriptors.Descriptor(ctx)
		if err != nil {
			l.Error(err, "reading catalog descriptor for secret change", "secret", t.SecretID)
			return catalogsync.Report{SkipReason: catalogsync.SkipNoDescriptor, Err: err}
		}
		if desc == nil || desc.CredentialsSecretRef != t.SecretID {
			l.V(1).Info("changed secret does not hold trino credentials", "secret", t.SecretID)
			return catalogsync.Report{SkipReason: SkipUntrackedSecret}
		}
		l.Info("trino credentials changed, updating all connections", "secret", t.SecretID)
		return d.Syncer.Sync(ctx, catalogsync.Options{Force: true})

	case PeriodicTick:
		return d.Syncer.Sync(ctx, catalogsync.Options{KnownCredentialDigest: t.KnownDigest})

	case RelationBroken:
		l.Info("relation removed, existing Superset databases are left intact", "relation", t.Relation)
		return catalogsync.Report{SkipReason: SkipRelationBroken}
	}

	panic(fmt.Sprintf("charm: unknown trigger %T", t))
}
