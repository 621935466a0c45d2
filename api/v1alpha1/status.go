package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// ConditionReady reports whether the Superset workload is serving.
	ConditionReady = "Ready"
	// ConditionCatalogSynced reports the outcome of the last catalog sync pass.
	ConditionCatalogSynced = "CatalogSynced"

	// PhaseWaiting indicates the workload has not been planned yet.
	PhaseWaiting = "Waiting"
	// PhaseBlocked indicates a required relation is missing.
	PhaseBlocked = "Blocked"
	// PhaseMaintenance indicates the workload is rolling out or unhealthy.
	PhaseMaintenance = "Maintenance"
	// PhaseActive indicates the workload is up.
	PhaseActive = "Active"
	// PhaseFailed indicates the spec is invalid or reconciliation failed.
	PhaseFailed = "Failed"
)

// SupersetStatus defines the observed state of a Superset deployment.
type SupersetStatus struct {
	// ObservedGeneration is the generation of the spec that was last processed.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Phase summarises the workload state.
	// +kubebuilder:validation:Enum=Waiting;Blocked;Maintenance;Active;Failed
	Phase string `json:"phase,omitempty"`

	// Message explains the phase.
	// +optional
	Message string `json:"message,omitempty"`

	// CatalogSync records the last catalog sync pass that ran.
	// +optional
	CatalogSync *CatalogSyncStatus `json:"catalogSync,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// CatalogSyncStatus summarises a catalog sync pass.
type CatalogSyncStatus struct {
	LastSyncTime metav1.Time `json:"lastSyncTime"`
	Created      int         `json:"created,omitempty"`
	Updated      int         `json:"updated,omitempty"`
	Skipped      int         `json:"skipped,omitempty"`
	Failed       int         `json:"failed,omitempty"`

	// CredentialDigest fingerprints the Trino credentials used by the pass.
	// It is compared on the next tick to detect rotations that were missed.
	// +optional
	CredentialDigest string `json:"credentialDigest,omitempty"`
}

// SetPhase records the workload phase and mirrors it on the Ready condition.
func (s *SupersetStatus) SetPhase(generation int64, phase, reason, message string) {
	s.Phase = phase
	s.Message = message
	s.ObservedGeneration = generation

	status := metav1.ConditionFalse
	if phase == PhaseActive {
		status = metav1.ConditionTrue
	}
	meta.SetStatusCondition(&s.Conditions, metav1.Condition{
		Type:               ConditionReady,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// SetFailed transitions the status to Failed with the error as message.
func (s *SupersetStatus) SetFailed(generation int64, err error) {
	s.SetPhase(generation, PhaseFailed, "ReconcileFailed", err.Error())
}

// SetCatalogSync records a completed sync pass and the CatalogSynced
// condition. A pass with failed items sets the condition to false.
func (s *SupersetStatus) SetCatalogSync(generation int64, sync CatalogSyncStatus) {
	s.CatalogSync = &sync

	cond := metav1.Condition{
		Type:               ConditionCatalogSynced,
		Status:             metav1.ConditionTrue,
		Reason:             "Synced",
		Message:            "Trino catalogs are in sync",
		ObservedGeneration: generation,
	}
	if sync.Failed > 0 {
		cond.Status = metav1.ConditionFalse
		cond.Reason = "PartialFailure"
		cond.Message = "some catalogs could not be synchronised, see operator logs"
	}
	meta.SetStatusCondition(&s.Conditions, cond)
}

// SetCatalogSyncSkipped records why the last tick did not run a pass.
// Counters of the previous pass are kept.
func (s *SupersetStatus) SetCatalogSyncSkipped(generation int64, reason, message string) {
	meta.SetStatusCondition(&s.Conditions, metav1.Condition{
		Type:               ConditionCatalogSynced,
		Status:             metav1.ConditionFalse,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// DeepCopy returns a deep copy of the status.
func (s *SupersetStatus) DeepCopy() SupersetStatus {
	out := *s
	if s.CatalogSync != nil {
		cs := *s.CatalogSync
		cs.LastSyncTime = *s.CatalogSync.LastSyncTime.DeepCopy()
		out.CatalogSync = &cs
	}
	if s.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(s.Conditions))
		copy(out.Conditions, s.Conditions)
	}
	return out
}
