// Package v1alpha1 contains API schema definitions for superset.ngl.cx v1alpha1.
// +groupName=superset.ngl.cx
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	// GroupVersion is the API group and version of the Superset CRD.
	GroupVersion = schema.GroupVersion{Group: "superset.ngl.cx", Version: "v1alpha1"}

	// SchemeBuilder is used to register Superset types with a runtime.Scheme.
	SchemeBuilder = runtime.NewSchemeBuilder(addTypes)

	// AddToScheme adds Superset types to a runtime.Scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

func addTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&Superset{},
		&SupersetList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}
