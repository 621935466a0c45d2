// Package workload builds the Kubernetes objects that run Superset.
package workload

import (
	"slices"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/relation"
)

// PythonPath is where the Superset configuration is loaded from.
const PythonPath = "/app/pythonpath"

// Env returns the environment of the Superset process, sorted by name.
// Secret values are referenced, never inlined. Optional settings that are
// not configured are left out.
func Env(s *v1alpha1.Superset, redis *relation.Redis) []corev1.EnvVar {
	spec := &s.Spec
	e := envBuilder{}

	if ref := spec.SecretKeySecretRef; ref != nil {
		e.secret("SUPERSET_SECRET_KEY", ref.Name, ref.Key)
	} else {
		e.secret("SUPERSET_SECRET_KEY", s.StateSecretName(), StateKeySecretKey)
	}
	e.secret("ADMIN_PASSWORD", spec.AdminPasswordSecretRef.Name, spec.AdminPasswordSecretRef.Key)
	e.secret("SQL_ALCHEMY_URI", s.StateSecretName(), StateKeySQLAlchemyURI)
	e.value("CHARM_FUNCTION", string(s.GetFunction()))
	if redis != nil {
		e.value("REDIS_HOST", redis.Host)
		e.value("REDIS_PORT", strconv.Itoa(redis.Port))
	}

	f := spec.Features
	e.flag("ALERTS_ATTACH_REPORTS", f.AlertsAttachReports)
	e.flag("DASHBOARD_CROSS_FILTERS", f.DashboardCrossFilters)
	e.flag("DASHBOARD_RBAC", f.DashboardRBAC)
	e.flag("EMBEDDABLE_CHARTS", f.EmbeddableCharts)
	e.flag("SCHEDULED_QUERIES", f.ScheduledQueries)
	e.flag("ESTIMATE_QUERY_COST", f.EstimateQueryCost)
	e.flag("ENABLE_TEMPLATE_PROCESSING", f.EnableTemplateProcessing)
	e.flag("ALERT_REPORTS", f.AlertReports)
	e.flag("SUPERSET_LOAD_EXAMPLES", f.LoadExamples)
	e.flag("HTML_SANITIZATION", f.HTMLSanitization == nil || *f.HTMLSanitization)
	e.value("HTML_SANITIZATION_SCHEMA_EXTENSIONS", f.HTMLSanitizationSchemaExtensions)
	e.flag("GLOBAL_ASYNC_QUERIES", f.GlobalAsyncQueries)
	if ref := f.GlobalAsyncQueriesJWTSecretRef; ref != nil {
		e.secret("GLOBAL_ASYNC_QUERIES_JWT", ref.Name, ref.Key)
	}
	if f.GlobalAsyncQueriesPollingDelay > 0 {
		e.value("GLOBAL_ASYNC_QUERIES_POLLING_DELAY", strconv.Itoa(f.GlobalAsyncQueriesPollingDelay))
	}

	e.number("SQLALCHEMY_POOL_SIZE", spec.SQLAlchemy.PoolSize)
	e.number("SQLALCHEMY_POOL_TIMEOUT", spec.SQLAlchemy.PoolTimeout)
	e.number("SQLALCHEMY_MAX_OVERFLOW", spec.SQLAlchemy.MaxOverflow)

	if o := spec.OAuth; o != nil {
		e.value("GOOGLE_KEY", o.GoogleClientID)
		if ref := o.GoogleClientSecretRef; ref != nil {
			e.secret("GOOGLE_SECRET", ref.Name, ref.Key)
		}
		e.value("OAUTH_DOMAIN", o.Domain)
		e.value("OAUTH_ADMIN_EMAIL", o.AdminEmail)
	}
	e.value("SELF_REGISTRATION_ROLE", s.GetSelfRegistrationRole())

	if p := spec.Proxy; p != nil {
		e.value("HTTP_PROXY", p.HTTP)
		e.value("HTTPS_PROXY", p.HTTPS)
		e.value("NO_PROXY", p.No)
	}

	if sentry := spec.Sentry; sentry != nil {
		e.value("SENTRY_DSN", sentry.DSN)
		e.value("SENTRY_RELEASE", sentry.Release)
		e.value("SENTRY_ENVIRONMENT", sentry.Environment)
		e.flag("SENTRY_REDACT_PARAMS", sentry.RedactParams)
		e.value("SENTRY_SAMPLE_RATE", sentry.SampleRate)
	}

	e.value("PYTHONPATH", PythonPath)
	e.value("SERVER_ALIAS", spec.ServerAlias)
	e.value("APPLICATION_PORT", strconv.Itoa(v1alpha1.ApplicationPort))

	return e.sorted()
}

type envBuilder struct {
	vars []corev1.EnvVar
}

func (e *envBuilder) value(name, v string) {
	if v == "" {
		return
	}
	e.vars = append(e.vars, corev1.EnvVar{Name: name, Value: v})
}

// flag renders booleans the way the Superset configuration parses them.
func (e *envBuilder) flag(name string, v bool) {
	s := "False"
	if v {
		s = "True"
	}
	e.vars = append(e.vars, corev1.EnvVar{Name: name, Value: s})
}

func (e *envBuilder) number(name string, v *int) {
	if v != nil {
		e.value(name, strconv.Itoa(*v))
	}
}

func (e *envBuilder) secret(name, secret, key string) {
	e.vars = append(e.vars, corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	})
}

func (e *envBuilder) sorted() []corev1.EnvVar {
	slices.SortFunc(e.vars, func(a, b corev1.EnvVar) int { return strings.Compare(a.Name, b.Name) })
	return e.vars
}
