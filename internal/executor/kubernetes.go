package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// AnnotationPrefix namespaces the pod-template annotations written for
// configuration changes. Changing a template annotation rolls the pods.
const AnnotationPrefix = "optimizer.kubilitics.io/"

// Undo keys.
const (
	undoReplicas          = "replicas"
	undoResources         = "resources"
	undoAnnotation        = "annotation"
	undoAnnotationValue   = "annotation_value"
	undoAnnotationPresent = "annotation_present"
)

// Default magnitudes when a change carries no parameter.
const (
	defaultReplicaDelta = 1
	defaultScaleUp      = 1.5
	defaultScaleDown    = 0.75
)

// Kubernetes applies changes to Deployments. The change resource is the
// Deployment name.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

// NewKubernetesClient builds a clientset from kubeconfig, or from the
// in-cluster config when kubeconfig is empty and one is available.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			if home, _ := os.UserHomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
	}
	if config == nil {
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

// NewKubernetes creates an executor for Deployments in namespace.
func NewKubernetes(client kubernetes.Interface, namespace string, logger *zap.Logger) *Kubernetes {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &Kubernetes{client: client, namespace: namespace, logger: logger}
}

// Apply scales replicas for SCALE_OUT and SCALE_IN, multiplies container
// requests and limits for SCALE_UP, SCALE_DOWN and RIGHT_SIZING, and records
// every other kind as a pod-template annotation.
func (k *Kubernetes) Apply(ctx context.Context, c Change) (*Outcome, error) {
	dep, err := k.client.AppsV1().Deployments(k.namespace).Get(ctx, c.Resource, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s/%s: %w", k.namespace, c.Resource, err)
	}

	var undo map[string]string
	switch c.Kind {
	case string(models.ActionScaleOut):
		undo = scaleReplicas(dep, int32(c.Param(ParamReplicas, defaultReplicaDelta)))
	case string(models.ActionScaleIn):
		undo = scaleReplicas(dep, -int32(c.Param(ParamReplicas, defaultReplicaDelta)))
	case string(models.ActionScaleUp):
		undo, err = scaleResources(dep, c.Param(ParamFactor, defaultScaleUp))
	case string(models.ActionScaleDown), string(models.CostRightSizing):
		undo, err = scaleResources(dep, c.Param(ParamFactor, defaultScaleDown))
	default:
		undo, err = annotate(dep, c)
	}
	if err != nil {
		return nil, err
	}

	if _, err := k.client.AppsV1().Deployments(k.namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("update deployment %s/%s: %w", k.namespace, c.Resource, err)
	}
	k.logger.Info("deployment updated",
		zap.String("change", c.ID),
		zap.String("kind", c.Kind),
		zap.String("deployment", c.Resource),
		zap.String("namespace", k.namespace),
	)
	// The API server reports no measured effect; the expected impact stands.
	return &Outcome{ImpactFactor: 1, Undo: undo}, nil
}

// Revert restores whatever Apply captured in undo.
func (k *Kubernetes) Revert(ctx context.Context, c Change, undo map[string]string) error {
	dep, err := k.client.AppsV1().Deployments(k.namespace).Get(ctx, c.Resource, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s/%s: %w", k.namespace, c.Resource, err)
	}

	if raw, ok := undo[undoReplicas]; ok {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("undo replicas: %w", err)
		}
		r := int32(n)
		dep.Spec.Replicas = &r
	}
	if raw, ok := undo[undoResources]; ok {
		var prev map[string]corev1.ResourceRequirements
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			return fmt.Errorf("undo resources: %w", err)
		}
		for i := range dep.Spec.Template.Spec.Containers {
			ctr := &dep.Spec.Template.Spec.Containers[i]
			if r, ok := prev[ctr.Name]; ok {
				ctr.Resources = r
			}
		}
	}
	if key, ok := undo[undoAnnotation]; ok {
		if undo[undoAnnotationPresent] == "true" {
			if dep.Spec.Template.Annotations == nil {
				dep.Spec.Template.Annotations = make(map[string]string)
			}
			dep.Spec.Template.Annotations[key] = undo[undoAnnotationValue]
		} else {
			delete(dep.Spec.Template.Annotations, key)
		}
	}

	if _, err := k.client.AppsV1().Deployments(k.namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment %s/%s: %w", k.namespace, c.Resource, err)
	}
	k.logger.Info("deployment change reverted",
		zap.String("change", c.ID),
		zap.String("deployment", c.Resource),
	)
	return nil
}

func scaleReplicas(dep *appsv1.Deployment, delta int32) map[string]string {
	cur := int32(1)
	if dep.Spec.Replicas != nil {
		cur = *dep.Spec.Replicas
	}
	next := cur + delta
	if next < 1 {
		next = 1
	}
	dep.Spec.Replicas = &next
	return map[string]string{undoReplicas: strconv.Itoa(int(cur))}
}

func scaleResources(dep *appsv1.Deployment, factor float64) (map[string]string, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("resource factor must be positive, got %g", factor)
	}
	prev := make(map[string]corev1.ResourceRequirements, len(dep.Spec.Template.Spec.Containers))
	for i := range dep.Spec.Template.Spec.Containers {
		ctr := &dep.Spec.Template.Spec.Containers[i]
		prev[ctr.Name] = *ctr.Resources.DeepCopy()
		ctr.Resources.Requests = scaleList(ctr.Resources.Requests, factor)
		ctr.Resources.Limits = scaleList(ctr.Resources.Limits, factor)
	}
	raw, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("encode undo resources: %w", err)
	}
	return map[string]string{undoResources: string(raw)}, nil
}

func scaleList(list corev1.ResourceList, factor float64) corev1.ResourceList {
	if list == nil {
		return nil
	}
	out := make(corev1.ResourceList, len(list))
	for name, q := range list {
		out[name] = scaleQuantity(name, q, factor)
	}
	return out
}

func scaleQuantity(name corev1.ResourceName, q resource.Quantity, factor float64) resource.Quantity {
	if name == corev1.ResourceCPU {
		return *resource.NewMilliQuantity(int64(math.Round(float64(q.MilliValue())*factor)), q.Format)
	}
	return *resource.NewQuantity(int64(math.Round(float64(q.Value())*factor)), q.Format)
}

func annotate(dep *appsv1.Deployment, c Change) (map[string]string, error) {
	key := AnnotationPrefix + c.Kind
	value, err := json.Marshal(map[string]any{"change": c.ID, "parameters": c.Parameters})
	if err != nil {
		return nil, fmt.Errorf("encode annotation: %w", err)
	}
	if dep.Spec.Template.Annotations == nil {
		dep.Spec.Template.Annotations = make(map[string]string)
	}
	prev, present := dep.Spec.Template.Annotations[key]
	dep.Spec.Template.Annotations[key] = string(value)
	return map[string]string{
		undoAnnotation:        key,
		undoAnnotationValue:   prev,
		undoAnnotationPresent: strconv.FormatBool(present),
	}, nil
}
