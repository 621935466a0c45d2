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

package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	// Import for auth plugins (also registers --kubeconfig flag)
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	supersetv1alpha1 "github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/catalogsync"
	"github.com/lukasngl/superset-operator/internal/config"
	"github.com/lukasngl/superset-operator/internal/controller"
	"github.com/lukasngl/superset-operator/internal/secretstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running operator: %v\n", err)
		os.Exit(1)
	}
}

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")

	// CommandLine flags

	kubeContext = flag.String(
		"context",
		"",
		"Kubernetes context to use (uses current context if empty)",
	)
	configFile = flag.String(
		"config",
		"",
		"Optional YAML file with operator settings; environment variables take precedence",
	)
	metricsAddr = flag.String(
		"metrics-bind-address",
		":8080",
		"The address the metric endpoint binds to.",
	)
	probeAddr = flag.String(
		"health-probe-bind-address",
		":8081",
		"The address the probe endpoint binds to.",
	)
	enableLeaderElection = flag.Bool(
		"leader-elect",
		false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.",
	)
	secureMetrics = flag.Bool(
		"metrics-secure",
		false,
		"If set the metrics endpoint is served securely",
	)
	enableHTTP2 = flag.Bool(
		"enable-http2",
		false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers",
	)
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(supersetv1alpha1.AddToScheme(scheme))
}

func run() error {
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)

	flag.Parse()

	opCfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	// Flags given on the command line win over the config.
	if opts.Level == nil {
		opts.Level = opCfg.ZapLevel()
	}
	opts.Development = opts.Development || opCfg.Log.Development
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// Disable HTTP/2 due to vulnerabilities
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !*enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	// Use kubeconfig with context override
	clientCfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: *kubeContext},
	)

	cfg, err := clientCfg.ClientConfig()
	if err != nil {
		setupLog.Error(err, "unable to get kubeconfig")
		return err
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   *metricsAddr,
			SecureServing: *secureMetrics,
			TLSOpts:       tlsOpts,
		},
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: *probeAddr,
		LeaderElection:         *enableLeaderElection,
		LeaderElectionID:       "superset.ngl.cx",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	store, err := newSecretStore(mgr, opCfg)
	if err != nil {
		setupLog.Error(err, "unable to set up secret store")
		return err
	}

	workload := &controller.SupersetReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		ProbeDatastore: opCfg.ProbeDatastore,
	}
	if err := workload.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Superset")
		return err
	}

	catalogs := &controller.CatalogReconciler{
		Client:   mgr.GetClient(),
		Secrets:  store,
		Config:   opCfg,
		IsLeader: elected(mgr),
		Metrics:  catalogsync.NewMetrics(metrics.Registry),
	}
	if err := catalogs.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Catalog")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager", "identity", opCfg.Identity)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}

	return nil
}

// newSecretStore resolves Trino credential references. Kubernetes Secrets
// are read through the uncached API reader.
func newSecretStore(mgr ctrl.Manager, cfg *config.Config) (*secretstore.Store, error) {
	opts := []secretstore.Option{secretstore.WithAWS(secretstore.NewAWS())}

	if cfg.Vault.Addr != "" {
		vault, err := secretstore.NewVault(cfg.Vault.Addr, cfg.Vault.Token)
		if err != nil {
			return nil, fmt.Errorf("creating vault client: %w", err)
		}
		opts = append(opts, secretstore.WithVault(vault))
		setupLog.Info("vault secret references enabled", "addr", cfg.Vault.Addr)
	}

	return secretstore.New(&secretstore.Kubernetes{Reader: mgr.GetAPIReader()}, opts...), nil
}

// elected reports whether this process won the leader election. Without
// leader election the channel is closed right away.
func elected(mgr ctrl.Manager) func() bool {
	ch := mgr.Elected()
	return func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
}
