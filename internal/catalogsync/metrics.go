package catalogsync

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lukasngl/superset-operator/internal/superset"
)

// Metrics collects catalog sync metrics. Create one per process via
// [NewMetrics] and share it between syncers.
type Metrics struct {
	// OperationDuration observes Superset API calls by operation and result.
	OperationDuration *prometheus.HistogramVec
	// OperationTotal counts Superset API calls by operation and result.
	OperationTotal *prometheus.CounterVec
	// PassDuration observes whole sync passes.
	PassDuration prometheus.Histogram
	// PassTotal counts sync passes by outcome.
	PassTotal *prometheus.CounterVec
}

// NewMetrics creates the catalog sync metrics and registers them on reg
// (use [sigs.k8s.io/controller-runtime/pkg/metrics.Registry] in production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "superset_api_request_duration_seconds",
			Help: "Duration of Superset API operations issued by catalog sync in seconds.",
		}, []string{"operation", "result"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superset_catalog_sync_operations_total",
			Help: "Total number of Superset API operations issued by catalog sync.",
		}, []string{"operation", "result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "superset_catalog_sync_duration_seconds",
			Help: "Duration of catalog sync passes in seconds.",
		}),
		PassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superset_catalog_sync_passes_total",
			Help: "Total number of catalog sync passes by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.OperationDuration, m.OperationTotal, m.PassDuration, m.PassTotal)
	return m
}

func (m *Metrics) observePass(r Report, d time.Duration) {
	m.PassTotal.WithLabelValues(r.Outcome()).Inc()
	if r.Ran() {
		m.PassDuration.Observe(d.Seconds())
	}
}

// Instrument wraps api so that every call is measured and every mutation
// is logged with its duration.
func (m *Metrics) Instrument(api API) *InstrumentedAPI {
	return &InstrumentedAPI{API: api, metrics: m}
}

// InstrumentedAPI wraps an [API] with Prometheus metrics and structured
// logging. Create via [Metrics.Instrument].
type InstrumentedAPI struct {
	API
	metrics *Metrics
}

// observe records one call. Mutations are logged at info level, reads at
// debug level.
func (a *InstrumentedAPI) observe(ctx context.Context, op string, mutation bool, start time.Time, err error) {
	duration := time.Since(start)
	label := resultLabel(err)
	a.metrics.OperationDuration.WithLabelValues(op, label).Observe(duration.Seconds())
	a.metrics.OperationTotal.WithLabelValues(op, label).Inc()

	l := log.FromContext(ctx).WithValues("operation", op, "duration", duration)
	switch {
	case err != nil:
		l.V(1).Info("superset operation failed", "error", err.Error())
	case mutation:
		l.Info("superset operation complete")
	default:
		l.V(1).Info("superset operation complete")
	}
}

func (a *InstrumentedAPI) ListTrinoConnections(ctx context.Context) ([]superset.TrinoConnection, error) {
	start := time.Now()
	conns, err := a.API.ListTrinoConnections(ctx)
	a.observe(ctx, "list", false, start, err)
	return conns, err
}

func (a *InstrumentedAPI) CreateTrinoConnection(ctx context.Context, p superset.ConnectionParams) (int, error) {
	start := time.Now()
	id, err := a.API.CreateTrinoConnection(ctx, p)
	a.observe(ctx, "create", true, start, err)
	return id, err
}

func (a *InstrumentedAPI) UpdateTrinoConnection(ctx context.Context, id int, p superset.ConnectionParams) error {
	start := time.Now()
	err := a.API.UpdateTrinoConnection(ctx, id, p)
	a.observe(ctx, "update", true, start, err)
	return err
}

func (a *InstrumentedAPI) RoleID(ctx context.Context, name string) (int, bool, error) {
	start := time.Now()
	id, ok, err := a.API.RoleID(ctx, name)
	a.observe(ctx, "role", false, start, err)
	return id, ok, err
}

func (a *InstrumentedAPI) DatabaseAccessPermissionID(ctx context.Context, databaseName string) (int, bool, error) {
	start := time.Now()
	id, ok, err := a.API.DatabaseAccessPermissionID(ctx, databaseName)
	a.observe(ctx, "permission", false, start, err)
	return id, ok, err
}

func (a *InstrumentedAPI) GrantPermission(ctx context.Context, roleID, permissionID int) (bool, error) {
	start := time.Now()
	granted, err := a.API.GrantPermission(ctx, roleID, permissionID)
	a.observe(ctx, "grant", true, start, err)
	return granted, err
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
