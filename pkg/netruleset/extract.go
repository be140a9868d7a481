package netruleset

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/cidrtrie"
	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

const (
	maxPortRange = 1024
	anyIPv4      = "0.0.0.0/0"
	anyIPv6      = "::/0"
)

// Extractor expands the rules of policies into PartialAccessData.
type Extractor struct {
	resolver *clusterstate.Resolver
}

func NewExtractor(resolver *clusterstate.Resolver) *Extractor {
	return &Extractor{resolver: resolver}
}

// ruleData is what a single rule contributes. It is merged into the partial
// data only once the whole rule extracted cleanly.
type ruleData struct {
	cidrs    map[poltypes.CidrClass][]string
	ports    []string
	allPorts bool
	labels   []string
}

// ExtractDirection appends the rules of policy for dir to data. Rule level
// failures are returned, each wrapped in a RuleError, while the remaining
// rules are still extracted. Peers whose selectors cannot be resolved are
// skipped and do not fail their rule.
func (x *Extractor) ExtractDirection(ctx context.Context, data *PartialAccessData, policy *networkingv1.NetworkPolicy, dir poltypes.Direction) []error {
	policyName := clusterstate.PolicyKey(policy)
	var errs []error
	for index, rule := range DirectionalRules(policy, dir) {
		rd, err := x.extractRule(ctx, policyName, rule)
		if err != nil {
			errs = append(errs, &poltypes.RuleError{Policy: policyName, Direction: dir, Index: index, Err: err})
			continue
		}
		id := poltypes.NewIndexedPolicy(policyName, dir, index)
		data.addIndexedPolicy(policyName, id)
		for _, class := range poltypes.CidrClasses {
			data.Cidrs[class][id] = append(data.Cidrs[class][id], rd.cidrs[class]...)
		}
		data.Ports[id] = append(data.Ports[id], rd.ports...)
		if rd.allPorts {
			data.AllPorts.Insert(id)
		}
		for _, label := range rd.labels {
			data.addLabel(label, policyName)
		}
	}
	return errs
}

func (x *Extractor) extractRule(ctx context.Context, policyName string, rule Rule) (*ruleData, error) {
	rd := &ruleData{cidrs: map[poltypes.CidrClass][]string{}}
	ports, err := portKeys(rule.Ports)
	if err != nil {
		return nil, err
	}
	rd.ports = ports
	rd.allPorts = len(rule.Ports) == 0

	// no peers at all selects every address
	if len(rule.Peers) == 0 {
		rd.cidrs[poltypes.NoExcept] = append(rd.cidrs[poltypes.NoExcept], anyIPv4, anyIPv6)
		return rd, nil
	}
	for _, peer := range rule.Peers {
		item, err := ParsePeer(peer)
		if err != nil {
			return nil, err
		}
		err = x.extractItem(ctx, rd, item)
		if errors.Is(err, poltypes.ErrSelectorResolutionUnavailable) {
			klog.Warningf("Peer of policy %s skipped, selector resolution failed with error: %v", policyName, err)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return rd, nil
}

func (x *Extractor) extractItem(ctx context.Context, rd *ruleData, item RuleItem) error {
	switch it := item.(type) {
	case IPBlockWithExcept:
		cidr, err := canonicalCidr(it.Cidr)
		if err != nil {
			return err
		}
		rd.cidrs[poltypes.WithExcept] = append(rd.cidrs[poltypes.WithExcept], cidr)
		for _, except := range it.Except {
			ex, err := canonicalCidr(except)
			if err != nil {
				return err
			}
			rd.cidrs[poltypes.Except] = append(rd.cidrs[poltypes.Except], ex)
		}
	case IPBlock:
		cidr, err := canonicalCidr(it.Cidr)
		if err != nil {
			return err
		}
		rd.cidrs[poltypes.NoExcept] = append(rd.cidrs[poltypes.NoExcept], cidr)
	case NamespaceAndPodSelector:
		rd.labels = append(rd.labels, TriggerLabels(it.PodSelector)...)
		namespaces, err := x.resolver.ResolveNamespaces(ctx, it.NamespaceSelector)
		if err != nil {
			return err
		}
		pods, err := x.resolver.ResolvePods(ctx, it.PodSelector)
		if err != nil {
			return err
		}
		for _, pod := range pods {
			if namespaces.Has(pod.Namespace) {
				rd.addHosts(pod)
			}
		}
	case NamespaceSelector:
		namespaces, err := x.resolver.ResolveNamespaces(ctx, it.NamespaceSelector)
		if err != nil {
			return err
		}
		for _, ns := range sets.List(namespaces) {
			pods, err := x.resolver.ResolvePodsInNamespace(ctx, ns)
			if err != nil {
				return err
			}
			for _, pod := range pods {
				rd.addHosts(pod)
			}
		}
	case PodSelector:
		rd.labels = append(rd.labels, TriggerLabels(it.PodSelector)...)
		pods, err := x.resolver.ResolvePods(ctx, it.PodSelector)
		if err != nil {
			return err
		}
		for _, pod := range pods {
			rd.addHosts(pod)
		}
	default:
		return fmt.Errorf("%w: %T", poltypes.ErrUnsupportedRuleShape, item)
	}
	return nil
}

func (rd *ruleData) addHosts(pod clusterstate.PodRef) {
	for _, ip := range pod.IPs {
		host, err := cidrtrie.HostPrefix(ip)
		if err != nil {
			klog.Warningf("Pod %s/%s ignored, its address could not be parsed: %v", pod.Namespace, pod.Name, err)
			continue
		}
		rd.cidrs[poltypes.NoExcept] = append(rd.cidrs[poltypes.NoExcept], host.String())
	}
}

func canonicalCidr(cidr string) (string, error) {
	p, err := cidrtrie.ParsePrefix(cidr)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// TriggerLabels lists the labels a pod selector depends on. matchLabels give
// "k=v", every key of a selector expression gives the bare key.
func TriggerLabels(sel *metav1.LabelSelector) []string {
	if sel == nil {
		return nil
	}
	var out []string
	for k, v := range sel.MatchLabels {
		out = append(out, poltypes.LabelKey(k, v))
	}
	for _, req := range sel.MatchExpressions {
		out = append(out, req.Key)
	}
	return out
}

func portKeys(ports []networkingv1.NetworkPolicyPort) ([]string, error) {
	var keys []string
	for _, p := range ports {
		protocol := poltypes.DefaultProtocol
		if p.Protocol != nil {
			protocol = string(*p.Protocol)
		}
		if p.Port == nil {
			keys = append(keys, poltypes.PortKey(protocol, poltypes.WildcardPort))
			continue
		}
		if p.Port.Type == intstr.String {
			klog.Warningf("Named port %s/%s is not supported and is ignored", protocol, p.Port.StrVal)
			continue
		}
		start := int(p.Port.IntVal)
		end := start
		if p.EndPort != nil {
			end = int(*p.EndPort)
		}
		if end < start {
			return nil, fmt.Errorf("%w: endPort %d below port %d", poltypes.ErrUnsupportedRuleShape, end, start)
		}
		if end-start >= maxPortRange {
			return nil, fmt.Errorf("%w: port range %d-%d wider than %d", poltypes.ErrUnsupportedRuleShape, start, end, maxPortRange)
		}
		for port := start; port <= end; port++ {
			keys = append(keys, poltypes.PortKey(protocol, strconv.Itoa(port)))
		}
	}
	return keys, nil
}
