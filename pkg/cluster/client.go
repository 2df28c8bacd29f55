/*
Copyright The Volcano Authors.

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

package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

const (
	// ContainerName is the name of the single container in every compute unit
	ContainerName = "code-runner"
	// AppLabelKey is the label the address selector matches on
	AppLabelKey = "app"
	// ManagedByLabelKey marks resources created by this system
	ManagedByLabelKey   = "app.kubernetes.io/managed-by"
	ManagedByLabelValue = "usersandbox"

	resourcePod     = "pod"
	resourceService = "service"
)

// SecretEnvVar is an environment variable sourced from a key of a Secret.
type SecretEnvVar struct {
	Name       string
	SecretName string
	Key        string
}

// ComputeUnitSpec declares a single-container compute unit.
type ComputeUnitSpec struct {
	Name           string
	Image          string
	Port           int32
	Env            []types.EnvVar
	SecretEnv      []SecretEnvVar
	PullSecret     string
	ServiceAccount string
	Labels         map[string]string
}

// ComputeUnitStatus is the observed state of a compute unit.
type ComputeUnitStatus struct {
	Name  string
	Phase string
	PodIP string
}

// Address is a resolved service address. IP is empty until the cluster allocates one.
type Address struct {
	Name string
	IP   string
}

// Client abstracts the cluster operations needed to run sandboxes.
type Client interface {
	// CreateComputeUnit declares a compute unit; a duplicate name fails with ErrAlreadyExists
	CreateComputeUnit(ctx context.Context, spec ComputeUnitSpec) error
	// GetComputeUnit returns the observed state of a compute unit or ErrNotFound
	GetComputeUnit(ctx context.Context, name string) (*ComputeUnitStatus, error)
	// DeleteComputeUnit deletes a compute unit; a missing unit is not an error
	DeleteComputeUnit(ctx context.Context, name string) error
	// CreateAddress declares a load-balanced cluster-internal address for units matching selector
	CreateAddress(ctx context.Context, name string, selector map[string]string, port int32) error
	// ResolveAddress returns the address by name or ErrNotFound
	ResolveAddress(ctx context.Context, name string) (*Address, error)
	// DeleteAddress deletes an address; a missing address is not an error
	DeleteAddress(ctx context.Context, name string) error
}

// K8sClient implements Client with Pods and ClusterIP Services in a single namespace.
type K8sClient struct {
	clientset kubernetes.Interface
	namespace string
}

var _ Client = (*K8sClient)(nil)

// NewK8sClient creates a Kubernetes backed Client, preferring in-cluster config
func NewK8sClient(namespace string) (*K8sClient, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		// If not in cluster, use default kubeconfig loading rules
		// This will check KUBECONFIG env var, then ~/.kube/config
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		configOverrides := &clientcmd.ConfigOverrides{}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
		config, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return NewK8sClientForClientset(clientset, namespace), nil
}

// NewK8sClientForClientset wraps an existing clientset.
func NewK8sClientForClientset(clientset kubernetes.Interface, namespace string) *K8sClient {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &K8sClient{
		clientset: clientset,
		namespace: namespace,
	}
}

// Namespace returns the namespace all resources are created in
func (c *K8sClient) Namespace() string {
	return c.namespace
}

func (c *K8sClient) CreateComputeUnit(ctx context.Context, spec ComputeUnitSpec) error {
	pod := buildPod(spec, c.namespace)
	if _, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return newOrchestrationError("create", resourcePod, spec.Name, err)
	}
	klog.V(2).Infof("created pod %s/%s", c.namespace, spec.Name)
	return nil
}

func (c *K8sClient) GetComputeUnit(ctx context.Context, name string) (*ComputeUnitStatus, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, newOrchestrationError("get", resourcePod, name, err)
	}
	return &ComputeUnitStatus{
		Name:  pod.Name,
		Phase: string(pod.Status.Phase),
		PodIP: pod.Status.PodIP,
	}, nil
}

func (c *K8sClient) DeleteComputeUnit(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		oe := newOrchestrationError("delete", resourcePod, name, err)
		if oe.Reason == ReasonNotFound {
			return nil
		}
		return oe
	}
	klog.V(2).Infof("deleted pod %s/%s", c.namespace, name)
	return nil
}

func (c *K8sClient) CreateAddress(ctx context.Context, name string, selector map[string]string, port int32) error {
	svc := buildService(name, c.namespace, selector, port)
	if _, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return newOrchestrationError("create", resourceService, name, err)
	}
	klog.V(2).Infof("created service %s/%s", c.namespace, name)
	return nil
}

func (c *K8sClient) ResolveAddress(ctx context.Context, name string) (*Address, error) {
	svc, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, newOrchestrationError("get", resourceService, name, err)
	}
	ip := svc.Spec.ClusterIP
	if ip == corev1.ClusterIPNone {
		ip = ""
	}
	return &Address{Name: svc.Name, IP: ip}, nil
}

func (c *K8sClient) DeleteAddress(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		oe := newOrchestrationError("delete", resourceService, name, err)
		if oe.Reason == ReasonNotFound {
			return nil
		}
		return oe
	}
	klog.V(2).Infof("deleted service %s/%s", c.namespace, name)
	return nil
}

func buildPod(spec ComputeUnitSpec, namespace string) *corev1.Pod {
	labels := map[string]string{
		AppLabelKey:       spec.Name,
		ManagedByLabelKey: ManagedByLabelValue,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env)+len(spec.SecretEnv))
	for _, e := range spec.Env {
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}
	for _, e := range spec.SecretEnv {
		env = append(env, corev1.EnvVar{
			Name: e.Name,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: e.SecretName},
					Key:                  e.Key,
				},
			},
		})
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:  ContainerName,
				Image: spec.Image,
				Ports: []corev1.ContainerPort{
					{ContainerPort: spec.Port, Protocol: corev1.ProtocolTCP},
				},
				Env: env,
			},
		},
		ServiceAccountName: spec.ServiceAccount,
	}
	if spec.PullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: spec.PullSecret}}
	}
	if spec.ServiceAccount != "" {
		// the unit calls back into the cluster API with this identity
		podSpec.AutomountServiceAccountToken = ptr.To(true)
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: podSpec,
	}
}

func buildService(name, namespace string, selector map[string]string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				ManagedByLabelKey: ManagedByLabelValue,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selector,
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Protocol:   corev1.ProtocolTCP,
					Port:       port,
					TargetPort: intstr.FromInt32(port),
				},
			},
		},
	}
}
