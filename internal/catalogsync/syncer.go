// Package catalogsync synchronises the catalogs of a Trino server into
// Superset database connections. Connections are created when missing and
// updated when stale. They are never deleted.
package catalogsync

import (
	"context"
	"errors"
	"strings"

	"github.com/juju/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lukasngl/superset-operator/internal/superset"
	"github.com/lukasngl/superset-operator/internal/trino"
)

// API is the part of the Superset API used by a [Syncer].
// [*superset.Client] implements it.
type API interface {
	ListTrinoConnections(ctx context.Context) ([]superset.TrinoConnection, error)
	CreateTrinoConnection(ctx context.Context, p superset.ConnectionParams) (int, error)
	UpdateTrinoConnection(ctx context.Context, id int, p superset.ConnectionParams) error
	RoleID(ctx context.Context, name string) (int, bool, error)
	DatabaseAccessPermissionID(ctx context.Context, databaseName string) (int, bool, error)
	GrantPermission(ctx context.Context, roleID, permissionID int) (bool, error)
}

// DescriptorSource returns the latest catalog descriptor. A nil descriptor
// without error means none is available.
type DescriptorSource interface {
	Descriptor(ctx context.Context) (*trino.Descriptor, error)
}

// DescriptorFunc adapts a function to [DescriptorSource].
type DescriptorFunc func(ctx context.Context) (*trino.Descriptor, error)

// Descriptor calls f.
func (f DescriptorFunc) Descriptor(ctx context.Context) (*trino.Descriptor, error) {
	return f(ctx)
}

// CredentialSource resolves the Trino credentials stored behind a secret
// reference. [*trino.CredentialProvider] implements it.
type CredentialSource interface {
	Credentials(ctx context.Context, ref string) (trino.Credentials, error)
}

// Gate decides whether a sync pass may run at all.
type Gate interface {
	Open(ctx context.Context) bool
}

// GateFunc adapts a function to [Gate].
type GateFunc func(ctx context.Context) bool

// Open calls f.
func (f GateFunc) Open(ctx context.Context) bool {
	return f(ctx)
}

// Options control a single sync pass.
type Options struct {
	// Force rewrites the URI of every matching connection, even when it
	// already references the current server.
	Force bool
	// KnownCredentialDigest is the credential digest of the last pass. When
	// it differs from the current digest the pass runs as if Force was set.
	KnownCredentialDigest string
}

// Syncer runs catalog sync passes. Passes must not run concurrently.
type Syncer struct {
	API         API
	Descriptors DescriptorSource
	Credentials CredentialSource
	// Gate is consulted first. A nil Gate is always open.
	Gate Gate
	// Role is granted database_access on every created connection.
	Role string

	Retry RetryPolicy
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Metrics is optional.
	Metrics *Metrics
}

// Sync runs one pass. Failures never escape: they are logged and counted
// in the returned report.
func (s *Syncer) Sync(ctx context.Context, opts Options) Report {
	start := s.clock().Now()
	report := s.sync(ctx, opts)
	if s.Metrics != nil {
		s.Metrics.observePass(report, s.clock().Now().Sub(start))
	}
	return report
}

func (s *Syncer) sync(ctx context.Context, opts Options) Report {
	var report Report
	l := log.FromContext(ctx)

	if s.Gate != nil && !s.Gate.Open(ctx) {
		report.SkipReason = SkipGateClosed
		return report
	}

	desc, err := s.Descriptors.Descriptor(ctx)
	if err != nil {
		l.Error(err, "reading catalog descriptor")
		report.SkipReason, report.Err = SkipNoDescriptor, err
		return report
	}
	if desc == nil {
		l.V(1).Info("no catalog descriptor available")
		report.SkipReason = SkipNoDescriptor
		return report
	}

	creds, err := s.Credentials.Credentials(ctx, desc.CredentialsSecretRef)
	if err != nil {
		if errors.Is(err, trino.ErrNoCredentials) {
			l.Error(err, "no trino credentials for this superset, has the secret been granted?",
				"secret", desc.CredentialsSecretRef)
		} else {
			l.Error(err, "resolving trino credentials", "secret", desc.CredentialsSecretRef)
		}
		report.SkipReason, report.Err = SkipNoCredentials, err
		return report
	}
	report.CredentialDigest = creds.Digest()

	if len(desc.Catalogs) == 0 {
		l.V(1).Info("descriptor lists no catalogs")
		report.SkipReason = SkipNoCatalogs
		return report
	}

	force := opts.Force
	if !force && opts.KnownCredentialDigest != "" && opts.KnownCredentialDigest != report.CredentialDigest {
		l.Info("credentials changed since last sync, updating all connections")
		force = true
	}
	report.Forced = force

	existing, err := s.API.ListTrinoConnections(ctx)
	if err != nil {
		l.Error(err, "listing superset databases, aborting sync")
		report.SkipReason, report.Err = SkipListFailed, err
		return report
	}
	byCatalog := make(map[string][]superset.TrinoConnection)
	for _, conn := range existing {
		byCatalog[conn.Catalog] = append(byCatalog[conn.Catalog], conn)
	}

	p := pass{
		Syncer:    s,
		report:    &report,
		desc:      desc,
		creds:     creds,
		force:     force,
		byCatalog: byCatalog,
	}
	p.resolveRole(ctx)
	for _, cat := range desc.Catalogs {
		p.syncCatalog(ctx, cat)
	}

	l.Info("catalog sync complete",
		"created", report.Created, "updated", report.Updated, "skipped", report.Skipped,
		"failed", report.Failed, "granted", report.Granted, "forced", report.Forced)
	return report
}

func (s *Syncer) clock() clock.Clock {
	if s.Clock == nil {
		return clock.WallClock
	}
	return s.Clock
}

// pass holds the state of one running sync pass.
type pass struct {
	*Syncer

	report    *Report
	desc      *trino.Descriptor
	creds     trino.Credentials
	force     bool
	byCatalog map[string][]superset.TrinoConnection

	roleID  int
	hasRole bool
}

func (p *pass) resolveRole(ctx context.Context) {
	l := log.FromContext(ctx).WithValues("role", p.Role)
	if p.Role == "" {
		l.Info("no role configured, catalog access will not be granted")
		return
	}

	id, ok, err := p.API.RoleID(ctx, p.Role)
	switch {
	case err != nil:
		l.Error(err, "looking up role, catalog access will not be granted")
	case !ok:
		l.Info("role not found, catalog access will not be granted")
	default:
		p.roleID, p.hasRole = id, true
	}
}

func (p *pass) syncCatalog(ctx context.Context, cat trino.Catalog) {
	name := DisplayName(cat.Name)
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("catalog", cat.Name, "database", name))
	l := log.FromContext(ctx)

	params := superset.ConnectionParams{
		DatabaseName:  name,
		Catalog:       cat.Name,
		ServerAddress: p.desc.ServerAddress,
		Username:      p.creds.Username,
		Password:      p.creds.Password,
		UseTLS:        p.desc.UseTLS(),
	}

	matches := p.byCatalog[cat.Name]
	if len(matches) == 0 {
		var id int
		attempt := 0
		err := p.retry(ctx, "create", func() (err error) {
			attempt++
			if attempt > 1 {
				// The failed POST may still have created the connection.
				existing, ok, err := p.findConnection(ctx, cat.Name)
				if err != nil {
					return err
				}
				if ok {
					l.Info("superset database appeared after a failed create", "databaseId", existing)
					id = existing
					return nil
				}
			}
			id, err = p.API.CreateTrinoConnection(ctx, params)
			return err
		})
		if err != nil {
			l.Error(err, "creating superset database")
			p.report.Failed++
			return
		}
		p.report.Created++
		l.Info("created superset database", "databaseId", id)

		if p.grant(ctx, name) {
			p.report.Granted++
		}
		return
	}

	current := "@" + p.desc.ServerAddress + "/"
	for _, conn := range matches {
		cl := l.WithValues("databaseId", conn.ID)
		if !p.force && strings.Contains(conn.SQLAlchemyURI, current) {
			cl.V(1).Info("superset database is up to date")
			p.report.Skipped++
			continue
		}

		err := p.retry(ctx, "update", func() error {
			return p.API.UpdateTrinoConnection(ctx, conn.ID, params)
		})
		if err != nil {
			cl.Error(err, "updating superset database")
			p.report.Failed++
			continue
		}
		cl.Info("updated superset database", "forced", p.force)
		p.report.Updated++
	}
}

// findConnection looks up a connection for catalog in a fresh listing.
func (p *pass) findConnection(ctx context.Context, catalog string) (int, bool, error) {
	conns, err := p.API.ListTrinoConnections(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, conn := range conns {
		if conn.Catalog == catalog {
			return conn.ID, true, nil
		}
	}
	return 0, false, nil
}

// grant gives the configured role database_access on a new connection. It
// reports whether a grant was made. Every failure is logged and ignored.
func (p *pass) grant(ctx context.Context, databaseName string) bool {
	l := log.FromContext(ctx).WithValues("role", p.Role)
	if !p.hasRole {
		return false
	}

	permID, ok, err := p.API.DatabaseAccessPermissionID(ctx, databaseName)
	if err != nil {
		l.Error(err, "looking up database access permission")
		return false
	}
	if !ok {
		l.Info("database access permission not found, skipping grant")
		return false
	}

	var granted bool
	err = p.retry(ctx, "grant", func() (err error) {
		granted, err = p.API.GrantPermission(ctx, p.roleID, permID)
		return err
	})
	if err != nil {
		l.Error(err, "granting database access", "permissionId", permID)
		return false
	}
	if granted {
		l.Info("granted database access", "permissionId", permID)
	}
	return granted
}

// Report summarises a sync pass.
type Report struct {
	Created int
	Updated int
	Skipped int
	Failed  int
	Granted int

	// Forced is set when connections were rewritten regardless of
	// staleness.
	Forced bool
	// SkipReason is empty when the pass ran.
	SkipReason SkipReason
	// CredentialDigest is the digest of the credentials the pass resolved.
	CredentialDigest string
	// Err is the error that stopped the pass early, if any.
	Err error
}

// Ran reports whether the pass got past its preconditions and looked at
// the catalogs.
func (r Report) Ran() bool {
	return r.SkipReason == ""
}

// Mutations is the number of changes made in Superset.
func (r Report) Mutations() int {
	return r.Created + r.Updated + r.Granted
}

// Outcome classifies the pass for metrics.
func (r Report) Outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case !r.Ran():
		return "skipped"
	case r.Failed > 0:
		return "partial"
	}
	return "success"
}

// SkipReason explains why a pass did not run. Values are suitable as
// condition reasons.
type SkipReason string

const (
	SkipGateClosed    SkipReason = "GateClosed"
	SkipNoDescriptor  SkipReason = "NoDescriptor"
	SkipNoCredentials SkipReason = "NoCredentials"
	SkipNoCatalogs    SkipReason = "NoCatalogs"
	SkipListFailed    SkipReason = "ListFailed"
)
