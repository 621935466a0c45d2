package v1alpha1

import (
	"errors"
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func validSuperset() *Superset {
	return &Superset{
		ObjectMeta: metav1.ObjectMeta{Name: "superset", Namespace: "bi"},
		Spec: SupersetSpec{
			Image:                  "ghcr.io/canonical/charmed-superset-rock:4.1.1",
			AdminPasswordSecretRef: SecretKeySelector{Name: "superset-admin", Key: "password"},
			Relations: Relations{
				PostgreSQL:   &PostgreSQLRelation{SecretName: "superset-db"},
				Redis:        &RedisRelation{ConfigMapName: "superset-redis"},
				TrinoCatalog: &TrinoCatalogRelation{ConfigMapName: "trino-catalogs"},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Superset)
		wantErr string
	}{
		{name: "valid", modify: func(_ *Superset) {}},
		{
			name:    "missing image",
			modify:  func(s *Superset) { s.Spec.Image = "" },
			wantErr: "SupersetSpec.Image",
		},
		{
			name:    "unknown function",
			modify:  func(s *Superset) { s.Spec.Function = "scheduler" },
			wantErr: "SupersetSpec.Function",
		},
		{
			name:    "admin password key missing",
			modify:  func(s *Superset) { s.Spec.AdminPasswordSecretRef.Key = "" },
			wantErr: "SupersetSpec.AdminPasswordSecretRef.Key",
		},
		{
			name: "pool size out of range",
			modify: func(s *Superset) {
				size := 301
				s.Spec.SQLAlchemy.PoolSize = &size
			},
			wantErr: "SupersetSpec.SQLAlchemy.PoolSize",
		},
		{
			name: "pool size upper bound",
			modify: func(s *Superset) {
				size := 300
				s.Spec.SQLAlchemy.PoolSize = &size
			},
		},
		{
			name:    "relation without name",
			modify:  func(s *Superset) { s.Spec.Relations.Redis.ConfigMapName = "" },
			wantErr: "SupersetSpec.Relations.Redis.ConfigMapName",
		},
		{
			name:    "invalid api url",
			modify:  func(s *Superset) { s.Spec.APIURL = "not a url" },
			wantErr: "SupersetSpec.APIURL",
		},
		{
			name:    "invalid sentry sample rate",
			modify:  func(s *Superset) { s.Spec.Sentry = &Sentry{DSN: "https://k@sentry.io/1", SampleRate: "often"} },
			wantErr: "SupersetSpec.Sentry.SampleRate",
		},
		{
			name:    "invalid oauth admin email",
			modify:  func(s *Superset) { s.Spec.OAuth = &OAuth{GoogleClientID: "id", AdminEmail: "nobody"} },
			wantErr: "SupersetSpec.OAuth.AdminEmail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := validSuperset().DeepCopyObject().(*Superset)
			tt.modify(obj)
			err := obj.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := err.Error(); !strings.Contains(got, tt.wantErr) {
				t.Fatalf("error %q does not contain %q", got, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	s := validSuperset()

	if got := s.GetFunction(); got != FunctionApp {
		t.Errorf("GetFunction() = %q, want %q", got, FunctionApp)
	}
	if got := s.GetSelfRegistrationRole(); got != "Public" {
		t.Errorf("GetSelfRegistrationRole() = %q, want Public", got)
	}
	if got := s.GetAPIURL(); got != "http://superset.bi.svc:8088" {
		t.Errorf("GetAPIURL() = %q", got)
	}
	if got := s.GetUpdateStatusInterval(); got != 5*time.Minute {
		t.Errorf("GetUpdateStatusInterval() = %v", got)
	}

	s.Spec.Function = FunctionWorker
	s.Spec.SelfRegistrationRole = "Gamma"
	s.Spec.APIURL = "https://superset.example.com"
	s.Spec.UpdateStatusInterval = &metav1.Duration{Duration: time.Minute}

	if got := s.GetFunction(); got != FunctionWorker {
		t.Errorf("GetFunction() = %q", got)
	}
	if got := s.GetSelfRegistrationRole(); got != "Gamma" {
		t.Errorf("GetSelfRegistrationRole() = %q", got)
	}
	if got := s.GetAPIURL(); got != "https://superset.example.com" {
		t.Errorf("GetAPIURL() = %q", got)
	}
	if got := s.GetUpdateStatusInterval(); got != time.Minute {
		t.Errorf("GetUpdateStatusInterval() = %v", got)
	}
}

func TestFunction_ServesUI(t *testing.T) {
	for f, want := range map[Function]bool{
		FunctionApp:         true,
		FunctionAppGunicorn: true,
		FunctionWorker:      false,
		FunctionBeat:        false,
	} {
		if got := f.ServesUI(); got != want {
			t.Errorf("%s.ServesUI() = %v, want %v", f, got, want)
		}
	}
}

func TestDeepCopyObject_Independent(t *testing.T) {
	orig := validSuperset()
	size := 5
	orig.Spec.SQLAlchemy.PoolSize = &size
	orig.Spec.OAuth = &OAuth{
		GoogleClientID:        "id",
		GoogleClientSecretRef: &SecretKeySelector{Name: "google", Key: "secret"},
	}
	orig.Status.SetCatalogSync(1, CatalogSyncStatus{Created: 2})

	cp := orig.DeepCopyObject().(*Superset)
	*cp.Spec.SQLAlchemy.PoolSize = 10
	cp.Spec.Relations.PostgreSQL.SecretName = "other"
	cp.Spec.OAuth.GoogleClientSecretRef.Name = "other"
	cp.Status.CatalogSync.Created = 7
	cp.Status.Conditions[0].Reason = "Changed"

	if *orig.Spec.SQLAlchemy.PoolSize != 5 {
		t.Error("pool size shared with copy")
	}
	if orig.Spec.Relations.PostgreSQL.SecretName != "superset-db" {
		t.Error("relation shared with copy")
	}
	if orig.Spec.OAuth.GoogleClientSecretRef.Name != "google" {
		t.Error("oauth secret ref shared with copy")
	}
	if orig.Status.CatalogSync.Created != 2 {
		t.Error("catalog sync status shared with copy")
	}
	if orig.Status.Conditions[0].Reason != "Synced" {
		t.Error("conditions shared with copy")
	}
}

func TestStatus_SetPhase(t *testing.T) {
	var s SupersetStatus

	s.SetPhase(3, PhaseBlocked, "MissingRelation", "Needs a PostgreSQL relation")
	if s.Phase != PhaseBlocked || s.ObservedGeneration != 3 {
		t.Fatalf("unexpected status: %+v", s)
	}
	if s.Conditions[0].Status != metav1.ConditionFalse {
		t.Errorf("Ready should be false while blocked")
	}

	s.SetPhase(3, PhaseActive, "StatusCheckUp", "Status check: UP")
	if len(s.Conditions) != 1 {
		t.Fatalf("expected a single Ready condition, got %d", len(s.Conditions))
	}
	if s.Conditions[0].Status != metav1.ConditionTrue {
		t.Errorf("Ready should be true when active")
	}

	s.SetFailed(4, errors.New("invalid config"))
	if s.Phase != PhaseFailed || s.Message != "invalid config" {
		t.Errorf("unexpected failed status: %+v", s)
	}
}

func TestStatus_SetCatalogSync(t *testing.T) {
	var s SupersetStatus

	s.SetCatalogSync(1, CatalogSyncStatus{Created: 1, Failed: 1})
	cond := s.Conditions[0]
	if cond.Type != ConditionCatalogSynced || cond.Status != metav1.ConditionFalse {
		t.Fatalf("partial failure should set CatalogSynced=false, got %+v", cond)
	}

	s.SetCatalogSync(1, CatalogSyncStatus{Updated: 2})
	if s.Conditions[0].Status != metav1.ConditionTrue {
		t.Errorf("clean pass should set CatalogSynced=true")
	}

	s.SetCatalogSyncSkipped(1, "NoCredentials", "credentials unavailable")
	if s.CatalogSync.Updated != 2 {
		t.Errorf("skipped tick must keep previous counters")
	}
	if s.Conditions[0].Reason != "NoCredentials" {
		t.Errorf("unexpected reason %q", s.Conditions[0].Reason)
	}
}
