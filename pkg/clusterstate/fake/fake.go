// Package fake builds in-memory cluster states for tests.
package fake

import (
	"context"
	"errors"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	corelisters "k8s.io/client-go/listers/core/v1"
	networkinglisters "k8s.io/client-go/listers/networking/v1"
	"k8s.io/client-go/tools/cache"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
)

var ErrUnavailable = errors.New("api server unavailable")

// State is a lister backed cluster state whose stores can be edited in place.
type State struct {
	clusterstate.ClusterState
	Pods       cache.Indexer
	Namespaces cache.Indexer
	Policies   cache.Indexer
}

func NewState(objs ...interface{}) *State {
	s := &State{
		Pods:       newIndexer(),
		Namespaces: newIndexer(),
		Policies:   newIndexer(),
	}
	s.ClusterState = clusterstate.NewFromListers(
		corelisters.NewPodLister(s.Pods),
		corelisters.NewNamespaceLister(s.Namespaces),
		networkinglisters.NewNetworkPolicyLister(s.Policies))
	for _, obj := range objs {
		s.Add(obj)
	}
	return s
}

func newIndexer() cache.Indexer {
	return cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc})
}

func (s *State) Add(obj interface{}) {
	switch obj.(type) {
	case *corev1.Pod:
		_ = s.Pods.Add(obj)
	case *corev1.Namespace:
		_ = s.Namespaces.Add(obj)
	case *networkingv1.NetworkPolicy:
		_ = s.Policies.Add(obj)
	}
}

func (s *State) Delete(obj interface{}) {
	switch obj.(type) {
	case *corev1.Pod:
		_ = s.Pods.Delete(obj)
	case *corev1.Namespace:
		_ = s.Namespaces.Delete(obj)
	case *networkingv1.NetworkPolicy:
		_ = s.Policies.Delete(obj)
	}
}

// Broken fails every query.
type Broken struct{}

func (Broken) ListPodsByLabelSelector(context.Context, labels.Selector) ([]*corev1.Pod, error) {
	return nil, ErrUnavailable
}

func (Broken) ListNamespacesByLabelSelector(context.Context, labels.Selector) ([]*corev1.Namespace, error) {
	return nil, ErrUnavailable
}

func (Broken) ListPodsByNamespace(context.Context, string) ([]*corev1.Pod, error) {
	return nil, ErrUnavailable
}

func (Broken) GetPolicy(context.Context, string, string) (*networkingv1.NetworkPolicy, error) {
	return nil, ErrUnavailable
}

func (Broken) ListPoliciesByNamespace(context.Context, string) ([]*networkingv1.NetworkPolicy, error) {
	return nil, ErrUnavailable
}

func Pod(namespace, name, ip string, podLabels map[string]string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    podLabels,
		},
		Status: corev1.PodStatus{PodIP: ip},
	}
	if ip != "" {
		pod.Status.PodIPs = []corev1.PodIP{{IP: ip}}
	}
	return pod
}

func Namespace(name string, nsLabels map[string]string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: nsLabels}}
}
