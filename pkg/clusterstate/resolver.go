package clusterstate

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

// PodRef is the part of a pod the compiler cares about.
type PodRef struct {
	Namespace string
	Name      string
	IPs       []string
	Labels    map[string]string
}

// Resolver turns label selectors into pods. Empty results mean "no match",
// a nil selector selects nothing.
type Resolver struct {
	state ClusterState
}

func NewResolver(state ClusterState) *Resolver {
	return &Resolver{state: state}
}

func (r *Resolver) State() ClusterState {
	return r.state
}

// Selector converts an API selector. A malformed selector is the author's
// fault and reported as an unsupported rule shape.
func Selector(sel *metav1.LabelSelector) (labels.Selector, error) {
	if sel == nil {
		return labels.Nothing(), nil
	}
	selector, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", poltypes.ErrUnsupportedRuleShape, err)
	}
	return selector, nil
}

func (r *Resolver) ResolvePods(ctx context.Context, sel *metav1.LabelSelector) ([]PodRef, error) {
	selector, err := Selector(sel)
	if err != nil {
		return nil, err
	}
	pods, err := r.state.ListPodsByLabelSelector(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pods by %q: %v", poltypes.ErrSelectorResolutionUnavailable, selector.String(), err)
	}
	return podRefs(pods), nil
}

func (r *Resolver) ResolveNamespaces(ctx context.Context, sel *metav1.LabelSelector) (sets.Set[string], error) {
	selector, err := Selector(sel)
	if err != nil {
		return nil, err
	}
	namespaces, err := r.state.ListNamespacesByLabelSelector(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("%w: listing namespaces by %q: %v", poltypes.ErrSelectorResolutionUnavailable, selector.String(), err)
	}
	names := sets.New[string]()
	for _, ns := range namespaces {
		names.Insert(ns.Name)
	}
	return names, nil
}

func (r *Resolver) ResolvePodsInNamespace(ctx context.Context, namespace string) ([]PodRef, error) {
	pods, err := r.state.ListPodsByNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pods of namespace %s: %v", poltypes.ErrSelectorResolutionUnavailable, namespace, err)
	}
	return podRefs(pods), nil
}

// PodIPs lists every address of a pod, dual-stack included. Pods without an
// address yet are not schedulable targets and yield nothing.
func PodIPs(pod *corev1.Pod) []string {
	if len(pod.Status.PodIPs) == 0 {
		if pod.Status.PodIP == "" {
			return nil
		}
		return []string{pod.Status.PodIP}
	}
	ips := make([]string, 0, len(pod.Status.PodIPs))
	for _, ip := range pod.Status.PodIPs {
		if ip.IP != "" {
			ips = append(ips, ip.IP)
		}
	}
	return ips
}

func podRefs(pods []*corev1.Pod) []PodRef {
	refs := make([]PodRef, 0, len(pods))
	for _, pod := range pods {
		refs = append(refs, PodRef{
			Namespace: pod.Namespace,
			Name:      pod.Name,
			IPs:       PodIPs(pod),
			Labels:    pod.Labels,
		})
	}
	return refs
}
