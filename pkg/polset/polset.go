package polset

import (
	"sort"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

const (
	DefaultBucketName    = "default"
	ExpressionBucketName = "expressions"
)

// PolicySet buckets the policies of one namespace by the labels of their
// podSelector, so the policies selecting a pod are found without matching
// every selector against it.
type PolicySet struct {
	NetPols map[string][]*networkingv1.NetworkPolicy
}

func NewPolicySet(policies []*networkingv1.NetworkPolicy) *PolicySet {
	return &PolicySet{NetPols: sortPoliciesIntoBuckets(policies)}
}

func sortPoliciesIntoBuckets(policies []*networkingv1.NetworkPolicy) map[string][]*networkingv1.NetworkPolicy {
	polBuckets := make(map[string][]*networkingv1.NetworkPolicy)
	for _, policy := range policies {
		sel := policy.Spec.PodSelector
		switch {
		case len(sel.MatchExpressions) > 0:
			polBuckets[ExpressionBucketName] = append(polBuckets[ExpressionBucketName], policy)
		case len(sel.MatchLabels) == 0:
			// an empty podSelector selects all pods in the namespace
			polBuckets[DefaultBucketName] = append(polBuckets[DefaultBucketName], policy)
		default:
			for key, value := range sel.MatchLabels {
				bucket := poltypes.LabelKey(key, value)
				polBuckets[bucket] = append(polBuckets[bucket], policy)
			}
		}
	}
	return polBuckets
}

// FilterApplicablePolicies returns the policies whose podSelector selects
// pod, sorted by name.
func (polSet *PolicySet) FilterApplicablePolicies(pod *corev1.Pod) []*networkingv1.NetworkPolicy {
	candidates := make(map[string]*networkingv1.NetworkPolicy)
	for key, value := range pod.Labels {
		addCandidates(candidates, polSet.NetPols[poltypes.LabelKey(key, value)])
	}
	addCandidates(candidates, polSet.NetPols[DefaultBucketName])
	addCandidates(candidates, polSet.NetPols[ExpressionBucketName])

	podLabels := labels.Set(pod.Labels)
	applicablePolicies := make([]*networkingv1.NetworkPolicy, 0, len(candidates))
	for _, policy := range candidates {
		if policy.Namespace != pod.Namespace {
			continue
		}
		if SelectsPod(policy, podLabels) {
			applicablePolicies = append(applicablePolicies, policy)
		}
	}
	sort.Slice(applicablePolicies, func(i, j int) bool {
		return applicablePolicies[i].Name < applicablePolicies[j].Name
	})
	return applicablePolicies
}

// the same policy sits in several buckets when it selects by several labels
func addCandidates(candidates map[string]*networkingv1.NetworkPolicy, policies []*networkingv1.NetworkPolicy) {
	for _, policy := range policies {
		candidates[clusterstate.PolicyKey(policy)] = policy
	}
}

// SelectsPod reports whether the podSelector of policy matches podLabels. A
// selector that cannot be parsed selects nothing.
func SelectsPod(policy *networkingv1.NetworkPolicy, podLabels labels.Set) bool {
	selector, err := metav1.LabelSelectorAsSelector(&policy.Spec.PodSelector)
	if err != nil {
		klog.Warningf("PodSelector of NetworkPolicy %s could not be parsed and is therefore ignored because of error: %v", clusterstate.PolicyKey(policy), err)
		return false
	}
	return selector.Matches(podLabels)
}
