package v1alpha1

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Function selects which Superset process the workload runs.
type Function string

const (
	// FunctionApp runs the Superset web server.
	FunctionApp Function = "app"
	// FunctionAppGunicorn runs the Superset web server behind gunicorn.
	FunctionAppGunicorn Function = "app-gunicorn"
	// FunctionWorker runs a Celery worker.
	FunctionWorker Function = "worker"
	// FunctionBeat runs the Celery beat scheduler.
	FunctionBeat Function = "beat"
)

// ServesUI reports whether the function serves the web UI and REST API.
func (f Function) ServesUI() bool {
	return f == FunctionApp || f == FunctionAppGunicorn
}

const (
	// DefaultSelfRegistrationRole is the role granted to self-registered users.
	DefaultSelfRegistrationRole = "Public"

	// DefaultUpdateStatusInterval is the period of the status and catalog
	// sync tick when no interval is configured.
	DefaultUpdateStatusInterval = 5 * time.Minute

	// ApplicationPort is the port Superset listens on.
	ApplicationPort = 8088
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Function",type="string",JSONPath=`.spec.function`
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=`.metadata.creationTimestamp`

// Superset is a Superset deployment managed by the operator, together with
// its PostgreSQL, Redis and Trino catalog relations.
type Superset struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitzero"`

	Spec SupersetSpec `json:"spec,omitzero"`
	// +optional
	Status SupersetStatus `json:"status,omitzero"`
}

// SupersetSpec defines the desired state of a Superset deployment.
type SupersetSpec struct {
	// Image is the Superset container image.
	Image string `json:"image" validate:"required" jsonschema:"minLength=1"`

	// Function selects the Superset process to run.
	// +kubebuilder:validation:Enum=app;app-gunicorn;worker;beat
	Function Function `json:"function,omitempty" validate:"omitempty,oneof=app app-gunicorn worker beat" jsonschema:"enum=app,enum=app-gunicorn,enum=worker,enum=beat,default=app"`

	// AdminPasswordSecretRef points at the password of the "admin" user.
	AdminPasswordSecretRef SecretKeySelector `json:"adminPasswordSecretRef"`

	// SecretKeySecretRef points at the Flask secret key. A key is generated
	// and kept in the "<name>-state" Secret when unset.
	// +optional
	SecretKeySecretRef *SecretKeySelector `json:"secretKeySecretRef,omitempty"`

	// SelfRegistrationRole is the role given to self-registered users and
	// granted database access on every synchronised Trino catalog.
	// +optional
	SelfRegistrationRole string `json:"selfRegistrationRole,omitempty" jsonschema:"default=Public"`

	// APIURL overrides the base URL of the Superset REST API.
	// Defaults to the in-cluster Service.
	// +optional
	APIURL string `json:"apiURL,omitempty" validate:"omitempty,url"`

	// ServerAlias is the externally visible hostname of Superset.
	// +optional
	ServerAlias string `json:"serverAlias,omitempty" validate:"omitempty,hostname_rfc1123"`

	// Relations names the objects carrying dependency data.
	Relations Relations `json:"relations"`

	// +optional
	Features Features `json:"features,omitzero"`

	// +optional
	SQLAlchemy SQLAlchemy `json:"sqlalchemy,omitzero"`

	// +optional
	OAuth *OAuth `json:"oauth,omitempty"`

	// +optional
	Proxy *Proxy `json:"proxy,omitempty"`

	// +optional
	Sentry *Sentry `json:"sentry,omitempty"`

	// UpdateStatusInterval is the period of the status check and the
	// catalog sync tick.
	// +optional
	UpdateStatusInterval *metav1.Duration `json:"updateStatusInterval,omitempty"`
}

// SecretKeySelector selects a key of a Secret in the same namespace.
type SecretKeySelector struct {
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name" validate:"required" jsonschema:"minLength=1"`
	// +kubebuilder:validation:MinLength=1
	Key string `json:"key" validate:"required" jsonschema:"minLength=1"`
}

// Relations names the ConfigMaps and Secrets that stand in for the
// PostgreSQL, Redis and Trino catalog relations.
type Relations struct {
	// +optional
	PostgreSQL *PostgreSQLRelation `json:"postgresql,omitempty"`
	// +optional
	Redis *RedisRelation `json:"redis,omitempty"`
	// +optional
	TrinoCatalog *TrinoCatalogRelation `json:"trinoCatalog,omitempty"`
}

// PostgreSQLRelation references the Secret holding "endpoints", "username",
// "password" and "database".
type PostgreSQLRelation struct {
	SecretName string `json:"secretName" validate:"required" jsonschema:"minLength=1"`
}

// RedisRelation references the ConfigMap holding "hostname" and "port".
type RedisRelation struct {
	ConfigMapName string `json:"configMapName" validate:"required" jsonschema:"minLength=1"`
}

// TrinoCatalogRelation references the ConfigMap published by the Trino side
// with "trino_url", "trino_catalogs" and "trino_credentials_secret_id".
type TrinoCatalogRelation struct {
	ConfigMapName string `json:"configMapName" validate:"required" jsonschema:"minLength=1"`
}

// Features toggles Superset feature flags.
type Features struct {
	AlertsAttachReports      bool `json:"alertsAttachReports,omitempty"`
	DashboardCrossFilters    bool `json:"dashboardCrossFilters,omitempty"`
	DashboardRBAC            bool `json:"dashboardRBAC,omitempty"`
	EmbeddableCharts         bool `json:"embeddableCharts,omitempty"`
	ScheduledQueries         bool `json:"scheduledQueries,omitempty"`
	EstimateQueryCost        bool `json:"estimateQueryCost,omitempty"`
	EnableTemplateProcessing bool `json:"enableTemplateProcessing,omitempty"`
	AlertReports             bool `json:"alertReports,omitempty"`
	LoadExamples             bool `json:"loadExamples,omitempty"`

	// HTMLSanitization defaults to true.
	// +optional
	HTMLSanitization *bool `json:"htmlSanitization,omitempty"`
	// +optional
	HTMLSanitizationSchemaExtensions string `json:"htmlSanitizationSchemaExtensions,omitempty"`

	GlobalAsyncQueries bool `json:"globalAsyncQueries,omitempty"`
	// +optional
	GlobalAsyncQueriesJWTSecretRef *SecretKeySelector `json:"globalAsyncQueriesJWTSecretRef,omitempty"`
	// GlobalAsyncQueriesPollingDelay is in milliseconds.
	// +optional
	GlobalAsyncQueriesPollingDelay int `json:"globalAsyncQueriesPollingDelay,omitempty" validate:"min=0"`
}

// SQLAlchemy tunes the metadata database connection pool.
type SQLAlchemy struct {
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=300
	// +optional
	PoolSize *int `json:"poolSize,omitempty" validate:"omitempty,min=0,max=300" jsonschema:"minimum=0,maximum=300"`
	// +optional
	PoolTimeout *int `json:"poolTimeout,omitempty" validate:"omitempty,min=0,max=300" jsonschema:"minimum=0,maximum=300"`
	// +optional
	MaxOverflow *int `json:"maxOverflow,omitempty" validate:"omitempty,min=0,max=300" jsonschema:"minimum=0,maximum=300"`
}

// OAuth configures Google sign-in.
type OAuth struct {
	GoogleClientID string `json:"googleClientID" validate:"required"`
	// +optional
	GoogleClientSecretRef *SecretKeySelector `json:"googleClientSecretRef,omitempty"`
	// Domain restricts sign-in to a Google Workspace domain.
	// +optional
	Domain string `json:"domain,omitempty" validate:"omitempty,fqdn"`
	// +optional
	AdminEmail string `json:"adminEmail,omitempty" validate:"omitempty,email"`
}

// Proxy holds outbound proxy settings.
type Proxy struct {
	// +optional
	HTTP string `json:"http,omitempty" validate:"omitempty,url"`
	// +optional
	HTTPS string `json:"https,omitempty" validate:"omitempty,url"`
	// +optional
	No string `json:"no,omitempty"`
}

// Sentry configures error reporting.
type Sentry struct {
	DSN string `json:"dsn" validate:"required,url"`
	// +optional
	Release string `json:"release,omitempty"`
	// +optional
	Environment string `json:"environment,omitempty"`
	// +optional
	RedactParams bool `json:"redactParams,omitempty"`
	// SampleRate is a decimal between 0 and 1.
	// +optional
	SampleRate string `json:"sampleRate,omitempty" validate:"omitempty,numeric"`
}

// GetFunction returns the configured function, defaulting to "app".
func (s *Superset) GetFunction() Function {
	if s.Spec.Function == "" {
		return FunctionApp
	}
	return s.Spec.Function
}

// GetSelfRegistrationRole returns the self-registration role, defaulting
// to [DefaultSelfRegistrationRole].
func (s *Superset) GetSelfRegistrationRole() string {
	if s.Spec.SelfRegistrationRole == "" {
		return DefaultSelfRegistrationRole
	}
	return s.Spec.SelfRegistrationRole
}

// GetAPIURL returns the Superset REST API base URL.
func (s *Superset) GetAPIURL() string {
	if s.Spec.APIURL != "" {
		return s.Spec.APIURL
	}
	return fmt.Sprintf("http://%s.%s.svc:%d", s.Name, s.Namespace, ApplicationPort)
}

// GetUpdateStatusInterval returns the tick period, defaulting to
// [DefaultUpdateStatusInterval].
func (s *Superset) GetUpdateStatusInterval() time.Duration {
	if s.Spec.UpdateStatusInterval != nil && s.Spec.UpdateStatusInterval.Duration > 0 {
		return s.Spec.UpdateStatusInterval.Duration
	}
	return DefaultUpdateStatusInterval
}

// StateSecretName is the name of the owned Secret that keeps the generated
// Flask secret key.
func (s *Superset) StateSecretName() string {
	return s.Name + "-state"
}

// Validate checks the spec beyond what the CRD schema enforces.
func (s *Superset) Validate() error {
	if err := validate.Struct(&s.Spec); err != nil {
		return err
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *SupersetSpec) DeepCopyInto(out *SupersetSpec) {
	*out = *in
	if in.SecretKeySecretRef != nil {
		v := *in.SecretKeySecretRef
		out.SecretKeySecretRef = &v
	}
	if in.Relations.PostgreSQL != nil {
		v := *in.Relations.PostgreSQL
		out.Relations.PostgreSQL = &v
	}
	if in.Relations.Redis != nil {
		v := *in.Relations.Redis
		out.Relations.Redis = &v
	}
	if in.Relations.TrinoCatalog != nil {
		v := *in.Relations.TrinoCatalog
		out.Relations.TrinoCatalog = &v
	}
	if in.Features.HTMLSanitization != nil {
		v := *in.Features.HTMLSanitization
		out.Features.HTMLSanitization = &v
	}
	if in.Features.GlobalAsyncQueriesJWTSecretRef != nil {
		v := *in.Features.GlobalAsyncQueriesJWTSecretRef
		out.Features.GlobalAsyncQueriesJWTSecretRef = &v
	}
	out.SQLAlchemy.PoolSize = copyInt(in.SQLAlchemy.PoolSize)
	out.SQLAlchemy.PoolTimeout = copyInt(in.SQLAlchemy.PoolTimeout)
	out.SQLAlchemy.MaxOverflow = copyInt(in.SQLAlchemy.MaxOverflow)
	if in.OAuth != nil {
		v := *in.OAuth
		if in.OAuth.GoogleClientSecretRef != nil {
			ref := *in.OAuth.GoogleClientSecretRef
			v.GoogleClientSecretRef = &ref
		}
		out.OAuth = &v
	}
	if in.Proxy != nil {
		v := *in.Proxy
		out.Proxy = &v
	}
	if in.Sentry != nil {
		v := *in.Sentry
		out.Sentry = &v
	}
	if in.UpdateStatusInterval != nil {
		v := *in.UpdateStatusInterval
		out.UpdateStatusInterval = &v
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// DeepCopyObject implements [runtime.Object].
func (s *Superset) DeepCopyObject() runtime.Object {
	cp := *s
	cp.ObjectMeta = *s.ObjectMeta.DeepCopy()
	s.Spec.DeepCopyInto(&cp.Spec)
	cp.Status = s.Status.DeepCopy()
	return &cp
}

// +kubebuilder:object:root=true

// SupersetList contains a list of [Superset] resources.
type SupersetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Superset `json:"items"`
}

// DeepCopyObject implements [runtime.Object].
func (l *SupersetList) DeepCopyObject() runtime.Object {
	cp := *l
	cp.ListMeta = *l.ListMeta.DeepCopy()
	if l.Items != nil {
		cp.Items = make([]Superset, len(l.Items))
		for i := range l.Items {
			cp.Items[i] = *l.Items[i].DeepCopyObject().(*Superset)
		}
	}
	return &cp
}
