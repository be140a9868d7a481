package netruleset

import (
	"fmt"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

// RuleItem is one peer of a rule. The set of implementations is closed.
type RuleItem interface {
	ruleItem()
}

type IPBlockWithExcept struct {
	Cidr   string
	Except []string
}

type IPBlock struct {
	Cidr string
}

type NamespaceAndPodSelector struct {
	NamespaceSelector *metav1.LabelSelector
	PodSelector       *metav1.LabelSelector
}

type NamespaceSelector struct {
	NamespaceSelector *metav1.LabelSelector
}

type PodSelector struct {
	PodSelector *metav1.LabelSelector
}

func (IPBlockWithExcept) ruleItem()       {}
func (IPBlock) ruleItem()                 {}
func (NamespaceAndPodSelector) ruleItem() {}
func (NamespaceSelector) ruleItem()       {}
func (PodSelector) ruleItem()             {}

// ParsePeer maps an API peer onto exactly one rule item form. A peer mixing
// ipBlock with selectors, or carrying nothing, is rejected.
func ParsePeer(peer networkingv1.NetworkPolicyPeer) (RuleItem, error) {
	switch {
	case peer.IPBlock != nil && (peer.NamespaceSelector != nil || peer.PodSelector != nil):
		return nil, fmt.Errorf("%w: ipBlock combined with a selector", poltypes.ErrUnsupportedRuleShape)
	case peer.IPBlock != nil && len(peer.IPBlock.Except) > 0:
		return IPBlockWithExcept{Cidr: peer.IPBlock.CIDR, Except: peer.IPBlock.Except}, nil
	case peer.IPBlock != nil:
		return IPBlock{Cidr: peer.IPBlock.CIDR}, nil
	case peer.NamespaceSelector != nil && peer.PodSelector != nil:
		return NamespaceAndPodSelector{NamespaceSelector: peer.NamespaceSelector, PodSelector: peer.PodSelector}, nil
	case peer.NamespaceSelector != nil:
		return NamespaceSelector{NamespaceSelector: peer.NamespaceSelector}, nil
	case peer.PodSelector != nil:
		return PodSelector{PodSelector: peer.PodSelector}, nil
	}
	return nil, fmt.Errorf("%w: empty peer", poltypes.ErrUnsupportedRuleShape)
}

// Rule is the direction agnostic form of an ingress or egress rule.
type Rule struct {
	Peers []networkingv1.NetworkPolicyPeer
	Ports []networkingv1.NetworkPolicyPort
}

// DirectionalRules returns the rules of policy for dir in spec order.
func DirectionalRules(policy *networkingv1.NetworkPolicy, dir poltypes.Direction) []Rule {
	var rules []Rule
	switch dir {
	case poltypes.Ingress:
		for _, r := range policy.Spec.Ingress {
			rules = append(rules, Rule{Peers: r.From, Ports: r.Ports})
		}
	case poltypes.Egress:
		for _, r := range policy.Spec.Egress {
			rules = append(rules, Rule{Peers: r.To, Ports: r.Ports})
		}
	}
	return rules
}

// PolicyDirections lists the directions a policy isolates. Without explicit
// policyTypes a policy always covers ingress, and egress once it has egress
// rules.
func PolicyDirections(policy *networkingv1.NetworkPolicy) []poltypes.Direction {
	if len(policy.Spec.PolicyTypes) == 0 {
		dirs := []poltypes.Direction{poltypes.Ingress}
		if len(policy.Spec.Egress) > 0 {
			dirs = append(dirs, poltypes.Egress)
		}
		return dirs
	}
	var dirs []poltypes.Direction
	for _, pt := range policy.Spec.PolicyTypes {
		switch pt {
		case networkingv1.PolicyTypeIngress:
			dirs = append(dirs, poltypes.Ingress)
		case networkingv1.PolicyTypeEgress:
			dirs = append(dirs, poltypes.Egress)
		}
	}
	return dirs
}
