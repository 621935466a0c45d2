package workload

import (
	"maps"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/lukasngl/superset-operator/api/v1alpha1"
)

const (
	// ContainerName is the name of the Superset container.
	ContainerName = "superset"
	// Command starts the process selected by CHARM_FUNCTION.
	Command = "/app/k8s/k8s-bootstrap.sh"

	// StateHashAnnotation carries [Hash] of the state Secret.
	StateHashAnnotation = "superset.ngl.cx/state-hash"

	portName = "http"
)

// Labels returns the labels of every object owned by s.
func Labels(s *v1alpha1.Superset) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "superset",
		"app.kubernetes.io/instance":   s.Name,
		"app.kubernetes.io/component":  string(s.GetFunction()),
		"app.kubernetes.io/managed-by": "superset-operator",
	}
}

func selector(s *v1alpha1.Superset) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":     "superset",
		"app.kubernetes.io/instance": s.Name,
	}
}

// MutateDeployment sets the desired state of the Superset Deployment on
// dep, leaving fields owned by other controllers alone. UI functions get a
// container port and a readiness check on "/".
func MutateDeployment(dep *appsv1.Deployment, s *v1alpha1.Superset, env []corev1.EnvVar, stateHash string) {
	dep.Labels = mergeLabels(dep.Labels, Labels(s))

	spec := &dep.Spec
	replicas := int32(1)
	spec.Replicas = &replicas
	if spec.Selector == nil {
		spec.Selector = &metav1.LabelSelector{MatchLabels: selector(s)}
	}

	tmpl := &spec.Template
	tmpl.Labels = mergeLabels(tmpl.Labels, Labels(s))
	if tmpl.Annotations == nil {
		tmpl.Annotations = map[string]string{}
	}
	tmpl.Annotations[StateHashAnnotation] = stateHash

	container := corev1.Container{
		Name:            ContainerName,
		Image:           s.Spec.Image,
		Command:         []string{Command},
		Env:             env,
		ImagePullPolicy: corev1.PullIfNotPresent,
	}
	if s.GetFunction().ServesUI() {
		container.Ports = []corev1.ContainerPort{{
			Name:          portName,
			ContainerPort: v1alpha1.ApplicationPort,
			Protocol:      corev1.ProtocolTCP,
		}}
		container.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/",
					Port: intstr.FromString(portName),
				},
			},
			PeriodSeconds: 10,
		}
	}
	tmpl.Spec.Containers = []corev1.Container{container}
}

// MutateService sets the desired state of the Service exposing the UI.
func MutateService(svc *corev1.Service, s *v1alpha1.Superset) {
	svc.Labels = mergeLabels(svc.Labels, Labels(s))
	svc.Spec.Type = corev1.ServiceTypeClusterIP
	svc.Spec.Selector = selector(s)
	svc.Spec.Ports = []corev1.ServicePort{{
		Name:       portName,
		Port:       v1alpha1.ApplicationPort,
		TargetPort: intstr.FromString(portName),
		Protocol:   corev1.ProtocolTCP,
	}}
}

func mergeLabels(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
