package e2e

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/yaml"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	supersetv1alpha1 "github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/config"
	"github.com/lukasngl/superset-operator/internal/controller"
	"github.com/lukasngl/superset-operator/internal/crd"
	"github.com/lukasngl/superset-operator/internal/secretstore"
	"github.com/lukasngl/superset-operator/internal/superset/supersettest"
)

// Names of the relation objects created by the steps.
const (
	postgresSecretName  = "superset-db"
	redisConfigMapName  = "superset-redis"
	catalogConfigMapName = "trino-catalogs"
	trinoUsersSecret    = "trino-users"
	adminSecretName     = "superset-admin"

	trinoURL = "trino.example.com:443"
)

// envVarPattern matches ${VAR_NAME} patterns for expansion.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// expandEnvVars expands ${VAR_NAME} patterns in the input string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ScenarioContext holds all state for a single scenario.
type ScenarioContext struct {
	ctx        context.Context
	cancel     context.CancelFunc
	k3sC       *k3s.K3sContainer
	restConfig *rest.Config
	k8sClient  client.Client
	scheme     *runtime.Scheme
	superset   *supersettest.Server
	namespace  string
	mgrCancel  context.CancelFunc
}

type scenarioCtxKey struct{}

func getScenarioContext(ctx context.Context) *ScenarioContext {
	return ctx.Value(scenarioCtxKey{}).(*ScenarioContext)
}

// InitializeSteps binds the steps and lifecycle hooks to sc.
func InitializeSteps(sc *godog.ScenarioContext) {
	sc.Before(beforeScenario)
	sc.After(afterScenario)

	sc.Given(`^a Kubernetes cluster is running$`, aKubernetesClusterIsRunning)
	sc.Given(`^the CRDs are installed$`, theCRDsAreInstalled)
	sc.Given(`^a Superset API is running$`, aSupersetAPIIsRunning)
	sc.Given(`^the operator is running$`, theOperatorIsRunning)
	sc.Given(`^the PostgreSQL and Redis relations are available$`, thePostgreSQLAndRedisRelationsAreAvailable)
	sc.Given(`^the Trino users secret contains:$`, theTrinoUsersSecretContains)
	sc.Given(`^Trino publishes the catalogs:$`, trinoPublishesTheCatalogs)

	sc.When(`^I create a Superset "([^"]*)" with:$`, iCreateASupersetWith)
	sc.When(`^the Trino users secret is changed to:$`, theTrinoUsersSecretContains)
	sc.When(`^I delete the Trino catalog relation$`, iDeleteTheTrinoCatalogRelation)

	sc.Then(
		`^the Superset "([^"]*)" should have phase "([^"]*)" within (\d+) seconds$`,
		theSupersetShouldHavePhaseWithin,
	)
	sc.Then(
		`^the Superset "([^"]*)" status should contain message "([^"]*)"$`,
		theSupersetStatusShouldContainMessage,
	)
	sc.Then(
		`^the Superset "([^"]*)" condition "([^"]*)" should have reason "([^"]*)" within (\d+) seconds$`,
		theSupersetConditionShouldHaveReasonWithin,
	)
	sc.Then(`^a Deployment "([^"]*)" should exist within (\d+) seconds$`, aDeploymentShouldExistWithin)
	sc.Then(`^the Secret "([^"]*)" should contain key "([^"]*)"$`, theSecretShouldContainKey)
	sc.Then(
		`^Superset should have a database "([^"]*)" within (\d+) seconds$`,
		supersetShouldHaveADatabaseWithin,
	)
	sc.Then(
		`^the database "([^"]*)" should use password "([^"]*)" within (\d+) seconds$`,
		theDatabaseShouldUsePasswordWithin,
	)
	sc.Then(`^Superset should have (\d+) databases$`, supersetShouldHaveDatabases)
	sc.Then(`^Superset should have received no changes for (\d+) seconds$`, supersetShouldHaveReceivedNoChangesFor)
}

func beforeScenario(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	sctx := &ScenarioContext{}
	sctx.ctx, sctx.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	return context.WithValue(ctx, scenarioCtxKey{}, sctx), nil
}

func afterScenario(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
	sctx := getScenarioContext(ctx)
	if sctx.mgrCancel != nil {
		sctx.mgrCancel()
	}
	if sctx.superset != nil {
		sctx.superset.Close()
	}
	if sctx.k3sC != nil {
		_ = sctx.k3sC.Terminate(sctx.ctx)
	}
	if sctx.cancel != nil {
		sctx.cancel()
	}
	return ctx, nil
}

func aKubernetesClusterIsRunning(ctx context.Context) error {
	sctx := getScenarioContext(ctx)
	ctrl.SetLogger(zap.New(zap.UseDevMode(true)))

	k3sContainer, err := k3s.Run(sctx.ctx, "rancher/k3s:v1.31.2-k3s1")
	if err != nil {
		return err
	}
	sctx.k3sC = k3sContainer

	kubeconfig, err := k3sContainer.GetKubeConfig(sctx.ctx)
	if err != nil {
		return err
	}

	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return err
	}
	sctx.restConfig = restConfig

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(supersetv1alpha1.AddToScheme(scheme))
	utilruntime.Must(apiextensionsv1.AddToScheme(scheme))
	sctx.scheme = scheme

	k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return err
	}
	sctx.k8sClient = k8sClient

	sctx.namespace = "e2e-" + uuid.NewString()[:8]
	return k8sClient.Create(sctx.ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: sctx.namespace},
	})
}

func theCRDsAreInstalled(ctx context.Context) error {
	sctx := getScenarioContext(ctx)

	crdBytes, err := crd.Generate("../../" + crd.DefaultBaseCRDPath)
	if err != nil {
		return err
	}

	var crdObj apiextensionsv1.CustomResourceDefinition
	if err := yaml.Unmarshal(crdBytes, &crdObj); err != nil {
		return err
	}

	if err := sctx.k8sClient.Create(sctx.ctx, &crdObj); err != nil {
		return err
	}

	return waitForCRD(sctx.ctx, sctx.k8sClient, crdObj.Name)
}

func aSupersetAPIIsRunning(ctx context.Context) error {
	sctx := getScenarioContext(ctx)
	sctx.superset = supersettest.New()
	return nil
}

func theOperatorIsRunning(ctx context.Context) error {
	sctx := getScenarioContext(ctx)

	mgr, err := ctrl.NewManager(sctx.restConfig, ctrl.Options{
		Scheme:  sctx.scheme,
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		return err
	}

	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	workload := &controller.SupersetReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
	}
	if err := workload.SetupWithManager(mgr); err != nil {
		return err
	}

	catalogs := &controller.CatalogReconciler{
		Client:  mgr.GetClient(),
		Secrets: secretstore.New(&secretstore.Kubernetes{Reader: mgr.GetAPIReader()}),
		Config:  cfg,
	}
	if err := catalogs.SetupWithManager(mgr); err != nil {
		return err
	}

	mgrCtx, cancel := context.WithCancel(sctx.ctx)
	sctx.mgrCancel = cancel

	go func() {
		_ = mgr.Start(mgrCtx)
	}()

	return nil
}

func (sctx *ScenarioContext) apply(obj client.Object, mutate func()) error {
	obj.SetNamespace(sctx.namespace)
	_, err := controllerutil.CreateOrUpdate(sctx.ctx, sctx.k8sClient, obj, func() error {
		mutate()
		return nil
	})
	return err
}

func thePostgreSQLAndRedisRelationsAreAvailable(ctx context.Context) error {
	sctx := getScenarioContext(ctx)

	pg := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: postgresSecretName}}
	if err := sctx.apply(pg, func() {
		pg.StringData = map[string]string{
			"endpoints": "postgresql:5432",
			"username":  "superset",
			"password":  "superset",
			"database":  "superset",
		}
	}); err != nil {
		return err
	}

	redis := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: redisConfigMapName}}
	return sctx.apply(redis, func() {
		redis.Data = map[string]string{"hostname": "redis", "port": "6379"}
	})
}

func theTrinoUsersSecretContains(ctx context.Context, doc *godog.DocString) error {
	sctx := getScenarioContext(ctx)

	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: trinoUsersSecret}}
	return sctx.apply(secret, func() {
		secret.Data = map[string][]byte{"users": []byte(expandEnvVars(doc.Content))}
	})
}

func trinoPublishesTheCatalogs(ctx context.Context, doc *godog.DocString) error {
	sctx := getScenarioContext(ctx)

	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: catalogConfigMapName}}
	return sctx.apply(cm, func() {
		cm.Data = map[string]string{
			"trino_url":                   trinoURL,
			"trino_catalogs":              doc.Content,
			"trino_credentials_secret_id": trinoUsersSecret,
		}
	})
}

func iDeleteTheTrinoCatalogRelation(ctx context.Context) error {
	sctx := getScenarioContext(ctx)
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
		Name:      catalogConfigMapName,
		Namespace: sctx.namespace,
	}}
	return sctx.k8sClient.Delete(sctx.ctx, cm)
}

func iCreateASupersetWith(ctx context.Context, name string, doc *godog.DocString) error {
	sctx := getScenarioContext(ctx)

	var s supersetv1alpha1.Superset
	if err := yaml.Unmarshal([]byte(expandEnvVars(doc.Content)), &s); err != nil {
		return err
	}
	s.Name = name
	s.Namespace = sctx.namespace

	if sctx.superset != nil {
		if s.Spec.APIURL == "" {
			s.Spec.APIURL = sctx.superset.URL
		}
		admin := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: adminSecretName}}
		if err := sctx.apply(admin, func() {
			admin.StringData = map[string]string{"password": sctx.superset.Password}
		}); err != nil {
			return err
		}
	}

	return sctx.k8sClient.Create(sctx.ctx, &s)
}

func (sctx *ScenarioContext) getSuperset(name string) (*supersetv1alpha1.Superset, error) {
	var s supersetv1alpha1.Superset
	err := sctx.k8sClient.Get(sctx.ctx, client.ObjectKey{Namespace: sctx.namespace, Name: name}, &s)
	return &s, err
}

// eventually polls check every 500ms until it succeeds or the timeout
// expires, returning the last error.
func eventually(seconds int, check func() error) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = check(); err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return err
}

func theSupersetShouldHavePhaseWithin(ctx context.Context, name, phase string, seconds int) error {
	sctx := getScenarioContext(ctx)
	return eventually(seconds, func() error {
		s, err := sctx.getSuperset(name)
		if err != nil {
			return err
		}
		if s.Status.Phase != phase {
			return fmt.Errorf("Superset %q phase is %q, expected %q", name, s.Status.Phase, phase)
		}
		return nil
	})
}

func theSupersetStatusShouldContainMessage(ctx context.Context, name, message string) error {
	sctx := getScenarioContext(ctx)
	s, err := sctx.getSuperset(name)
	if err != nil {
		return err
	}
	if !strings.Contains(s.Status.Message, message) {
		return fmt.Errorf("Superset %q message %q does not contain %q", name, s.Status.Message, message)
	}
	return nil
}

func theSupersetConditionShouldHaveReasonWithin(ctx context.Context, name, condType, reason string, seconds int) error {
	sctx := getScenarioContext(ctx)
	return eventually(seconds, func() error {
		s, err := sctx.getSuperset(name)
		if err != nil {
			return err
		}
		cond := meta.FindStatusCondition(s.Status.Conditions, condType)
		if cond == nil {
			return fmt.Errorf("Superset %q has no %s condition", name, condType)
		}
		if cond.Reason != reason {
			return fmt.Errorf("Superset %q %s reason is %q, expected %q", name, condType, cond.Reason, reason)
		}
		return nil
	})
}

func aDeploymentShouldExistWithin(ctx context.Context, name string, seconds int) error {
	sctx := getScenarioContext(ctx)
	return eventually(seconds, func() error {
		var dep appsv1.Deployment
		return sctx.k8sClient.Get(sctx.ctx, client.ObjectKey{Namespace: sctx.namespace, Name: name}, &dep)
	})
}

func theSecretShouldContainKey(ctx context.Context, name, key string) error {
	sctx := getScenarioContext(ctx)
	var secret corev1.Secret
	if err := sctx.k8sClient.Get(sctx.ctx, client.ObjectKey{
		Namespace: sctx.namespace,
		Name:      name,
	}, &secret); err != nil {
		return err
	}

	if _, ok := secret.Data[key]; !ok {
		return fmt.Errorf("key %q not found in secret %q", key, name)
	}
	return nil
}

func (sctx *ScenarioContext) database(name string) (*supersettest.Database, error) {
	for _, db := range sctx.superset.Databases() {
		if db.Name == name {
			return &db, nil
		}
	}
	return nil, fmt.Errorf("database %q not found", name)
}

func supersetShouldHaveADatabaseWithin(ctx context.Context, name string, seconds int) error {
	sctx := getScenarioContext(ctx)
	return eventually(seconds, func() error {
		_, err := sctx.database(name)
		return err
	})
}

func theDatabaseShouldUsePasswordWithin(ctx context.Context, name, password string, seconds int) error {
	sctx := getScenarioContext(ctx)
	return eventually(seconds, func() error {
		db, err := sctx.database(name)
		if err != nil {
			return err
		}
		if !strings.Contains(db.URI, ":"+password+"@") {
			return fmt.Errorf("database %q uri %q does not use the expected password", name, db.URI)
		}
		return nil
	})
}

func supersetShouldHaveDatabases(ctx context.Context, count int) error {
	sctx := getScenarioContext(ctx)
	if actual := len(sctx.superset.Databases()); actual != count {
		return fmt.Errorf("expected %d databases, got %d", count, actual)
	}
	return nil
}

func supersetShouldHaveReceivedNoChangesFor(ctx context.Context, seconds int) error {
	sctx := getScenarioContext(ctx)
	sctx.superset.ResetRequests()
	time.Sleep(time.Duration(seconds) * time.Second)
	if n := sctx.superset.Mutations(); n != 0 {
		return fmt.Errorf("superset received %d changes", n)
	}
	return nil
}

func waitForCRD(ctx context.Context, c client.Client, name string) error {
	return eventually(30, func() error {
		var crdObj apiextensionsv1.CustomResourceDefinition
		if err := c.Get(ctx, client.ObjectKey{Name: name}, &crdObj); err != nil {
			return err
		}
		for _, cond := range crdObj.Status.Conditions {
			if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
				return nil
			}
		}
		return fmt.Errorf("CRD %q not established", name)
	})
}
