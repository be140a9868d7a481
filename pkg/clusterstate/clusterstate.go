// Package clusterstate answers the selector queries the rule extractor needs,
// either from informer caches or straight from the API server.
package clusterstate

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
	networkinglisters "k8s.io/client-go/listers/networking/v1"
	"k8s.io/client-go/tools/cache"
)

// ClusterState is the read-only view of the cluster the compiler works on.
type ClusterState interface {
	ListPodsByLabelSelector(ctx context.Context, selector labels.Selector) ([]*corev1.Pod, error)
	ListNamespacesByLabelSelector(ctx context.Context, selector labels.Selector) ([]*corev1.Namespace, error)
	ListPodsByNamespace(ctx context.Context, namespace string) ([]*corev1.Pod, error)
	GetPolicy(ctx context.Context, namespace, name string) (*networkingv1.NetworkPolicy, error)
	ListPoliciesByNamespace(ctx context.Context, namespace string) ([]*networkingv1.NetworkPolicy, error)
}

type listerState struct {
	pods       corelisters.PodLister
	namespaces corelisters.NamespaceLister
	policies   networkinglisters.NetworkPolicyLister
}

func NewFromListers(pods corelisters.PodLister, namespaces corelisters.NamespaceLister, policies networkinglisters.NetworkPolicyLister) ClusterState {
	return &listerState{pods: pods, namespaces: namespaces, policies: policies}
}

// NewFromInformerFactory wires the state to the pod, namespace and network
// policy informers of factory. The returned funcs report cache sync.
func NewFromInformerFactory(factory informers.SharedInformerFactory) (ClusterState, []cache.InformerSynced) {
	pods := factory.Core().V1().Pods()
	namespaces := factory.Core().V1().Namespaces()
	policies := factory.Networking().V1().NetworkPolicies()
	synced := []cache.InformerSynced{
		pods.Informer().HasSynced,
		namespaces.Informer().HasSynced,
		policies.Informer().HasSynced,
	}
	return NewFromListers(pods.Lister(), namespaces.Lister(), policies.Lister()), synced
}

func (s *listerState) ListPodsByLabelSelector(_ context.Context, selector labels.Selector) ([]*corev1.Pod, error) {
	return s.pods.List(selector)
}

func (s *listerState) ListNamespacesByLabelSelector(_ context.Context, selector labels.Selector) ([]*corev1.Namespace, error) {
	return s.namespaces.List(selector)
}

func (s *listerState) ListPodsByNamespace(_ context.Context, namespace string) ([]*corev1.Pod, error) {
	return s.pods.Pods(namespace).List(labels.Everything())
}

func (s *listerState) GetPolicy(_ context.Context, namespace, name string) (*networkingv1.NetworkPolicy, error) {
	return s.policies.NetworkPolicies(namespace).Get(name)
}

func (s *listerState) ListPoliciesByNamespace(_ context.Context, namespace string) ([]*networkingv1.NetworkPolicy, error) {
	return s.policies.NetworkPolicies(namespace).List(labels.Everything())
}

type clientState struct {
	client kubernetes.Interface
}

// NewFromClient queries the API server on every call. Used by one-shot tools
// which do not want to wait for informer caches.
func NewFromClient(client kubernetes.Interface) ClusterState {
	return &clientState{client: client}
}

func (s *clientState) ListPodsByLabelSelector(ctx context.Context, selector labels.Selector) ([]*corev1.Pod, error) {
	if _, selectable := selector.Requirements(); !selectable {
		return nil, nil
	}
	list, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, err
	}
	return podPointers(list.Items), nil
}

func (s *clientState) ListNamespacesByLabelSelector(ctx context.Context, selector labels.Selector) ([]*corev1.Namespace, error) {
	if _, selectable := selector.Requirements(); !selectable {
		return nil, nil
	}
	list, err := s.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, err
	}
	out := make([]*corev1.Namespace, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, &list.Items[i])
	}
	return out, nil
}

func (s *clientState) ListPodsByNamespace(ctx context.Context, namespace string) ([]*corev1.Pod, error) {
	list, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return podPointers(list.Items), nil
}

func (s *clientState) GetPolicy(ctx context.Context, namespace, name string) (*networkingv1.NetworkPolicy, error) {
	return s.client.NetworkingV1().NetworkPolicies(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (s *clientState) ListPoliciesByNamespace(ctx context.Context, namespace string) ([]*networkingv1.NetworkPolicy, error) {
	list, err := s.client.NetworkingV1().NetworkPolicies(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*networkingv1.NetworkPolicy, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, &list.Items[i])
	}
	return out, nil
}

func podPointers(items []corev1.Pod) []*corev1.Pod {
	out := make([]*corev1.Pod, 0, len(items))
	for i := range items {
		out = append(out, &items[i])
	}
	return out
}

// PolicyKey is the identity a policy is tracked under.
func PolicyKey(policy *networkingv1.NetworkPolicy) string {
	return policy.Namespace + "/" + policy.Name
}

func SplitPolicyKey(key string) (string, string, error) {
	ns, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		return "", "", fmt.Errorf("bad policy key %q: %w", key, err)
	}
	return ns, name, nil
}
