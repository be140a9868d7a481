package netruleset_test

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/pkg/clusterstate/fake"
	"github.com/mizar-sdn/netpol/pkg/netruleset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

var ep = netruleset.Endpoint{Name: "red/client", Vni: 1, IP: "10.0.0.2"}

func policy(name string, ingress ...networkingv1.NetworkPolicyIngressRule) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Namespace: "red", Name: name},
		Spec: networkingv1.NetworkPolicySpec{
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress:     ingress,
		},
	}
}

func fromCidr(cidr string, except ...string) networkingv1.NetworkPolicyPeer {
	return networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: cidr, Except: except}}
}

func rule(ports []networkingv1.NetworkPolicyPort, peers ...networkingv1.NetworkPolicyPeer) networkingv1.NetworkPolicyIngressRule {
	return networkingv1.NetworkPolicyIngressRule{From: peers, Ports: ports}
}

func tcp(port int) networkingv1.NetworkPolicyPort {
	proto := corev1.ProtocolTCP
	p := intstr.FromInt32(int32(port))
	return networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &p}
}

func matchLabels(kv ...string) *metav1.LabelSelector {
	sel := &metav1.LabelSelector{MatchLabels: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		sel.MatchLabels[kv[i]] = kv[i+1]
	}
	return sel
}

type cidrRow struct {
	cidr string
	bits uint64
}

func cidrRows(c *netruleset.CompiledAccessData, class poltypes.CidrClass) []cidrRow {
	var out []cidrRow
	for _, row := range c.Tables.CidrTables[class] {
		out = append(out, cidrRow{cidr: fmt.Sprintf("%s/%d", row.Cidr, row.CidrLength), bits: row.BitValue})
	}
	return out
}

type portRow struct {
	key  string
	bits uint64
}

func portRows(c *netruleset.CompiledAccessData) []portRow {
	var out []portRow
	for _, row := range c.Tables.PortTable {
		out = append(out, portRow{key: poltypes.PortKey(row.Protocol, row.Port), bits: row.BitValue})
	}
	return out
}

func compile(t *testing.T, state clusterstate.ClusterState, emptyPorts poltypes.EmptyPortsPolicy, policies ...*networkingv1.NetworkPolicy) *netruleset.CompiledAccessData {
	t.Helper()
	c := netruleset.NewCompiler(clusterstate.NewResolver(state), emptyPorts)
	compiled, ruleErrs, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, policies)
	require.NoError(t, err)
	require.Empty(t, ruleErrs)
	return compiled
}

func TestDisjointCidrsGetOwnBits(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/24"))),
		policy("b", rule(nil, fromCidr("192.168.1.5/32"))))

	assert.Equal(t, 2, compiled.IndexedPolicyCount)
	assert.Equal(t, []cidrRow{{"10.0.0.0/24", 1}, {"192.168.1.5/32", 2}}, cidrRows(compiled, poltypes.NoExcept))
	assert.Empty(t, compiled.Tables.CidrTables[poltypes.WithExcept])
	assert.Empty(t, compiled.Tables.CidrTables[poltypes.Except])
	for _, row := range compiled.Tables.CidrTables[poltypes.NoExcept] {
		assert.Equal(t, ep.Vni, row.Vni)
		assert.Equal(t, ep.IP, row.LocalIP)
	}
}

func TestContainedCidrsUnion(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/24"))),
		policy("b", rule(nil, fromCidr("10.0.0.5/32"))))

	assert.Equal(t, []cidrRow{{"10.0.0.0/24", 3}, {"10.0.0.5/32", 3}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestOverlapIsNotTransitiveAcrossSiblings(t *testing.T) {
	// both hosts sit inside the /24 but not inside each other
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/24"))),
		policy("b", rule(nil, fromCidr("10.0.0.5/32"))),
		policy("c", rule(nil, fromCidr("10.0.0.6/32"))))

	assert.Equal(t, []cidrRow{{"10.0.0.0/24", 7}, {"10.0.0.5/32", 3}, {"10.0.0.6/32", 5}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestExceptKeepsSeparateTracks(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/16", "10.0.1.0/24"))),
		policy("b", rule(nil, fromCidr("10.0.1.7/32"))))

	assert.Equal(t, []cidrRow{{"10.0.0.0/16", 1}}, cidrRows(compiled, poltypes.WithExcept))
	assert.Equal(t, []cidrRow{{"10.0.1.0/24", 1}}, cidrRows(compiled, poltypes.Except))
	// the no-except host is not merged with the other classes
	assert.Equal(t, []cidrRow{{"10.0.1.7/32", 2}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestEmptyPortsAllowAll(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/24"))),
		policy("b", rule([]networkingv1.NetworkPolicyPort{tcp(80)}, fromCidr("10.0.0.0/24"))))

	assert.Equal(t, []portRow{{"ANY:0", 1}, {"TCP:80", 3}}, portRows(compiled))
	assert.True(t, compiled.AllPorts.Has(poltypes.IndexedPolicy("red/a_ingress_0")))
}

func TestEmptyPortsDenyAll(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsDenyAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/24"))),
		policy("b", rule([]networkingv1.NetworkPolicyPort{tcp(80)}, fromCidr("10.0.0.0/24"))))

	assert.Equal(t, []portRow{{"TCP:80", 2}}, portRows(compiled))
}

func TestProtocolWildcardCoversExplicitPorts(t *testing.T) {
	proto := corev1.ProtocolTCP
	anyTCP := []networkingv1.NetworkPolicyPort{{Protocol: &proto}}
	policies := []*networkingv1.NetworkPolicy{
		policy("a", rule(anyTCP, fromCidr("10.0.0.0/24"))),
		policy("b", rule([]networkingv1.NetworkPolicyPort{tcp(80)}, fromCidr("192.168.0.0/16"))),
		policy("c", rule(nil, fromCidr("172.16.0.0/12"))),
	}

	allow := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll, policies...)
	assert.Equal(t, []portRow{{"ANY:0", 4}, {"TCP:0", 1 | 4}, {"TCP:80", 1 | 2 | 4}}, portRows(allow))

	deny := compile(t, fake.NewState(), poltypes.EmptyPortsDenyAll, policies...)
	assert.Equal(t, []portRow{{"TCP:0", 1}, {"TCP:80", 1 | 2}}, portRows(deny))
	// 10.0.0.5 -> TCP:80 is allowed by a alone
	assert.NotZero(t, cidrRows(deny, poltypes.NoExcept)[0].bits&deny.Tables.PortTable[1].BitValue)
}

func TestPortShapes(t *testing.T) {
	udp := corev1.ProtocolUDP
	end := int32(5355)
	named := intstr.FromString("http")
	first := intstr.FromInt32(5353)
	ports := []networkingv1.NetworkPolicyPort{
		{Protocol: &udp, Port: &first, EndPort: &end},
		{Port: &named},
		{Protocol: &udp},
		{},
	}
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsDenyAll,
		policy("a", rule(ports, fromCidr("10.0.0.0/24"))))

	assert.Equal(t, []portRow{{"TCP:0", 1}, {"UDP:0", 1}, {"UDP:5353", 1}, {"UDP:5354", 1}, {"UDP:5355", 1}}, portRows(compiled))
}

func TestPortRangeTooWide(t *testing.T) {
	end := int32(9000)
	first := intstr.FromInt32(1)
	c := netruleset.NewCompiler(clusterstate.NewResolver(fake.NewState()), poltypes.EmptyPortsAllowAll)
	compiled, ruleErrs, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{
		policy("a", rule([]networkingv1.NetworkPolicyPort{{Port: &first, EndPort: &end}}, fromCidr("10.0.0.0/24"))),
	})
	require.NoError(t, err)
	require.Len(t, ruleErrs, 1)
	assert.True(t, errors.Is(ruleErrs[0], poltypes.ErrUnsupportedRuleShape))
	assert.Zero(t, compiled.IndexedPolicyCount)
}

func TestBitAllocationOverflow(t *testing.T) {
	var rules []networkingv1.NetworkPolicyIngressRule
	for i := 0; i <= poltypes.MaxIndexedPolicies; i++ {
		rules = append(rules, rule(nil, fromCidr(fmt.Sprintf("10.0.%d.0/24", i))))
	}
	c := netruleset.NewCompiler(clusterstate.NewResolver(fake.NewState()), poltypes.EmptyPortsAllowAll)
	_, _, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{policy("big", rules...)})
	assert.True(t, errors.Is(err, poltypes.ErrBitAllocationOverflow))

	_, _, err = c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{policy("big", rules[:poltypes.MaxIndexedPolicies]...)})
	assert.NoError(t, err)
}

func podState() *fake.State {
	return fake.NewState(
		fake.Namespace("red", map[string]string{"team": "a"}),
		fake.Namespace("blue", map[string]string{"team": "b"}),
		fake.Pod("red", "web", "10.1.0.5", map[string]string{"app": "web"}),
		fake.Pod("blue", "web", "10.2.0.5", map[string]string{"app": "web"}),
		fake.Pod("blue", "db", "10.2.0.6", map[string]string{"app": "db"}),
		fake.Pod("blue", "pending", "", map[string]string{"app": "web"}),
	)
}

func TestSelectorPeers(t *testing.T) {
	compiled := compile(t, podState(), poltypes.EmptyPortsAllowAll,
		policy("pods", rule(nil, networkingv1.NetworkPolicyPeer{PodSelector: matchLabels("app", "web")})),
		policy("ns", rule(nil, networkingv1.NetworkPolicyPeer{NamespaceSelector: matchLabels("team", "b")})),
		policy("both", rule(nil, networkingv1.NetworkPolicyPeer{
			NamespaceSelector: matchLabels("team", "a"),
			PodSelector:       matchLabels("app", "web"),
		})))

	// pods -> 1, ns -> 2, both -> 4
	assert.Equal(t, []cidrRow{
		{"10.1.0.5/32", 1 | 4},
		{"10.2.0.5/32", 1 | 2},
		{"10.2.0.6/32", 2},
	}, cidrRows(compiled, poltypes.NoExcept))
	assert.Equal(t, []string{"app=web"}, compiled.LabelsOf())
	assert.True(t, compiled.LabelPolicies["app=web"].Equal(sets.New("red/pods", "red/both")))
}

func TestSelectorExpressionTriggersOnKey(t *testing.T) {
	sel := &metav1.LabelSelector{MatchExpressions: []metav1.LabelSelectorRequirement{
		{Key: "app", Operator: metav1.LabelSelectorOpIn, Values: []string{"db"}},
	}}
	compiled := compile(t, podState(), poltypes.EmptyPortsAllowAll,
		policy("expr", rule(nil, networkingv1.NetworkPolicyPeer{PodSelector: sel})))

	assert.Equal(t, []cidrRow{{"10.2.0.6/32", 1}}, cidrRows(compiled, poltypes.NoExcept))
	assert.Equal(t, []string{"app"}, compiled.LabelsOf())
}

func TestDualStackPod(t *testing.T) {
	pod := fake.Pod("red", "dual", "10.1.0.9", map[string]string{"app": "dual"})
	pod.Status.PodIPs = append(pod.Status.PodIPs, corev1.PodIP{IP: "fd00::9"})
	compiled := compile(t, fake.NewState(pod), poltypes.EmptyPortsAllowAll,
		policy("dual", rule(nil, networkingv1.NetworkPolicyPeer{PodSelector: matchLabels("app", "dual")})))

	assert.Equal(t, []cidrRow{{"10.1.0.9/32", 1}, {"fd00::9/128", 1}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestRuleWithoutPeersSelectsEverything(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("open", networkingv1.NetworkPolicyIngressRule{}),
		policy("host", rule(nil, fromCidr("10.0.0.5/32"))))

	assert.Equal(t, []cidrRow{{"0.0.0.0/0", 3}, {"10.0.0.5/32", 3}, {"::/0", 1}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestUnsupportedPeerFailsOnlyItsRule(t *testing.T) {
	bad := networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: "10.0.0.0/24"}, PodSelector: matchLabels("app", "web")}
	c := netruleset.NewCompiler(clusterstate.NewResolver(podState()), poltypes.EmptyPortsAllowAll)
	compiled, ruleErrs, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{
		policy("mixed", rule(nil, fromCidr("172.16.0.0/12")), rule(nil, fromCidr("10.9.0.0/16"), bad)),
	})
	require.NoError(t, err)
	require.Len(t, ruleErrs, 1)

	var ruleErr *poltypes.RuleError
	require.True(t, errors.As(ruleErrs[0], &ruleErr))
	assert.Equal(t, "red/mixed", ruleErr.Policy)
	assert.Equal(t, 1, ruleErr.Index)
	assert.True(t, errors.Is(ruleErr, poltypes.ErrUnsupportedRuleShape))

	// nothing of the failed rule leaks into the tables
	assert.Equal(t, []poltypes.IndexedPolicy{"red/mixed_ingress_0"}, compiled.Order)
	assert.Equal(t, []cidrRow{{"172.16.0.0/12", 1}}, cidrRows(compiled, poltypes.NoExcept))
}

func TestInvalidCidrFailsRule(t *testing.T) {
	c := netruleset.NewCompiler(clusterstate.NewResolver(fake.NewState()), poltypes.EmptyPortsAllowAll)
	_, ruleErrs, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{
		policy("bad", rule(nil, fromCidr("10.0.0.0/99"))),
	})
	require.NoError(t, err)
	require.Len(t, ruleErrs, 1)
	assert.True(t, errors.Is(ruleErrs[0], poltypes.ErrInvalidCidr))
}

func TestUnavailableStateSkipsPeer(t *testing.T) {
	compiled := compile(t, fake.Broken{}, poltypes.EmptyPortsAllowAll,
		policy("p", rule(nil, networkingv1.NetworkPolicyPeer{PodSelector: matchLabels("app", "web")}, fromCidr("10.0.0.0/8"))))

	assert.Equal(t, []cidrRow{{"10.0.0.0/8", 1}}, cidrRows(compiled, poltypes.NoExcept))
	// the trigger is still known so a later label change recompiles
	assert.Equal(t, []string{"app=web"}, compiled.LabelsOf())
}

func TestCompileFetchesPolicies(t *testing.T) {
	state := podState()
	state.Add(policy("a", rule(nil, fromCidr("10.0.0.0/24"))))
	c := netruleset.NewCompiler(clusterstate.NewResolver(state), poltypes.EmptyPortsAllowAll)

	compiled, ruleErrs, err := c.Compile(context.Background(), ep, poltypes.Ingress, []string{"red/a", "red/gone"})
	require.NoError(t, err)
	assert.Empty(t, ruleErrs)
	assert.Equal(t, []poltypes.IndexedPolicy{"red/a_ingress_0"}, compiled.Order)

	_, _, err = netruleset.NewCompiler(clusterstate.NewResolver(fake.Broken{}), poltypes.EmptyPortsAllowAll).
		Compile(context.Background(), ep, poltypes.Ingress, []string{"red/a"})
	assert.True(t, errors.Is(err, poltypes.ErrSelectorResolutionUnavailable))

	_, _, err = netruleset.NewCompiler(nil, poltypes.EmptyPortsAllowAll).Compile(context.Background(), ep, poltypes.Ingress, nil)
	assert.Error(t, err)
}

func TestEgressRules(t *testing.T) {
	pol := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Namespace: "red", Name: "out"},
		Spec: networkingv1.NetworkPolicySpec{
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{To: []networkingv1.NetworkPolicyPeer{fromCidr("8.8.8.8/32")}},
			},
		},
	}
	c := netruleset.NewCompiler(clusterstate.NewResolver(fake.NewState()), poltypes.EmptyPortsAllowAll)
	compiled, _, err := c.CompilePolicies(context.Background(), ep, poltypes.Egress, []*networkingv1.NetworkPolicy{pol})
	require.NoError(t, err)
	assert.Equal(t, poltypes.Egress, compiled.Direction)
	assert.Equal(t, []poltypes.IndexedPolicy{"red/out_egress_0"}, compiled.Order)

	ingress, _, err := c.CompilePolicies(context.Background(), ep, poltypes.Ingress, []*networkingv1.NetworkPolicy{pol})
	require.NoError(t, err)
	assert.Zero(t, ingress.IndexedPolicyCount)
}

func mixedPolicies() []*networkingv1.NetworkPolicy {
	return []*networkingv1.NetworkPolicy{
		policy("a", rule(nil, fromCidr("10.0.0.0/8", "10.3.0.0/16")), rule([]networkingv1.NetworkPolicyPort{tcp(443)}, fromCidr("10.2.0.0/16"))),
		policy("b", rule([]networkingv1.NetworkPolicyPort{tcp(80), tcp(443)}, networkingv1.NetworkPolicyPeer{PodSelector: matchLabels("app", "web")})),
		policy("c", rule(nil, networkingv1.NetworkPolicyPeer{NamespaceSelector: &metav1.LabelSelector{}}), rule(nil, fromCidr("10.2.0.6/32"))),
	}
}

func TestBitsAreUniqueAndDecode(t *testing.T) {
	compiled := compile(t, podState(), poltypes.EmptyPortsAllowAll, mixedPolicies()...)

	seen := map[uint64]bool{}
	for _, id := range compiled.Order {
		bit := compiled.IndexedPolicyMap[id]
		assert.Equal(t, 1, bits.OnesCount64(bit), id)
		assert.False(t, seen[bit], id)
		seen[bit] = true
	}
	assert.Len(t, seen, compiled.IndexedPolicyCount)

	for _, class := range poltypes.CidrClasses {
		for _, row := range compiled.Tables.CidrTables[class] {
			cidr := fmt.Sprintf("%s/%d", row.Cidr, row.CidrLength)
			want := compiled.CidrPolicies[class][cidr]
			assert.True(t, want.Equal(sets.New(compiled.Decode(row.BitValue)...)), cidr)
			// resolved sets only ever grow compared to the direct contributions
			for id, cidrs := range compiled.Cidrs[class] {
				if sets.New(cidrs...).Has(cidr) {
					assert.True(t, want.Has(id), cidr)
				}
			}
		}
	}
	for _, row := range compiled.Tables.PortTable {
		key := poltypes.PortKey(row.Protocol, row.Port)
		assert.True(t, compiled.PortPolicies[key].Equal(sets.New(compiled.Decode(row.BitValue)...)), key)
	}
}

func TestRecompileIsIdempotent(t *testing.T) {
	first := compile(t, podState(), poltypes.EmptyPortsAllowAll, mixedPolicies()...)
	second := compile(t, podState(), poltypes.EmptyPortsAllowAll, mixedPolicies()...)
	assert.Equal(t, first.Tables, second.Tables)

	// same objects added in another order
	reordered := fake.NewState(
		fake.Pod("blue", "pending", "", map[string]string{"app": "web"}),
		fake.Pod("blue", "db", "10.2.0.6", map[string]string{"app": "db"}),
		fake.Pod("blue", "web", "10.2.0.5", map[string]string{"app": "web"}),
		fake.Pod("red", "web", "10.1.0.5", map[string]string{"app": "web"}),
		fake.Namespace("blue", map[string]string{"team": "b"}),
		fake.Namespace("red", map[string]string{"team": "a"}),
	)
	third := compile(t, reordered, poltypes.EmptyPortsAllowAll, mixedPolicies()...)
	assert.Equal(t, first.Tables, third.Tables)
}

func TestParsePeer(t *testing.T) {
	sel := matchLabels("app", "web")
	tests := []struct {
		name string
		peer networkingv1.NetworkPolicyPeer
		want netruleset.RuleItem
	}{
		{"except", fromCidr("10.0.0.0/8", "10.1.0.0/16"), netruleset.IPBlockWithExcept{Cidr: "10.0.0.0/8", Except: []string{"10.1.0.0/16"}}},
		{"block", fromCidr("10.0.0.0/8"), netruleset.IPBlock{Cidr: "10.0.0.0/8"}},
		{"ns and pods", networkingv1.NetworkPolicyPeer{NamespaceSelector: sel, PodSelector: sel}, netruleset.NamespaceAndPodSelector{NamespaceSelector: sel, PodSelector: sel}},
		{"ns", networkingv1.NetworkPolicyPeer{NamespaceSelector: sel}, netruleset.NamespaceSelector{NamespaceSelector: sel}},
		{"pods", networkingv1.NetworkPolicyPeer{PodSelector: sel}, netruleset.PodSelector{PodSelector: sel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := netruleset.ParsePeer(tt.peer)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := netruleset.ParsePeer(networkingv1.NetworkPolicyPeer{})
	assert.True(t, errors.Is(err, poltypes.ErrUnsupportedRuleShape))
}

func TestPolicyDirections(t *testing.T) {
	pol := policy("p")
	pol.Spec.PolicyTypes = nil
	assert.Equal(t, []poltypes.Direction{poltypes.Ingress}, netruleset.PolicyDirections(pol))

	pol.Spec.Egress = []networkingv1.NetworkPolicyEgressRule{{}}
	assert.Equal(t, []poltypes.Direction{poltypes.Ingress, poltypes.Egress}, netruleset.PolicyDirections(pol))

	pol.Spec.PolicyTypes = []networkingv1.PolicyType{networkingv1.PolicyTypeEgress}
	assert.Equal(t, []poltypes.Direction{poltypes.Egress}, netruleset.PolicyDirections(pol))
}

func TestBlockAndSelectorRows(t *testing.T) {
	e := netruleset.Endpoint{Name: "red/e", Vni: 7, IP: "10.0.1.5"}
	pol := policy("mix",
		rule(nil, fromCidr("10.0.0.0/24")),
		rule(nil, networkingv1.NetworkPolicyPeer{PodSelector: matchLabels("app", "x")}))
	tests := []struct {
		name  string
		podIP string
		want  []poltypes.CidrRow
	}{
		{"disjoint", "10.0.1.5", []poltypes.CidrRow{
			{Vni: 7, LocalIP: "10.0.1.5", Cidr: "10.0.0.0", CidrLength: 24, BitValue: 1},
			{Vni: 7, LocalIP: "10.0.1.5", Cidr: "10.0.1.5", CidrLength: 32, BitValue: 2},
		}},
		{"inside the block", "10.0.0.5", []poltypes.CidrRow{
			{Vni: 7, LocalIP: "10.0.1.5", Cidr: "10.0.0.0", CidrLength: 24, BitValue: 3},
			{Vni: 7, LocalIP: "10.0.1.5", Cidr: "10.0.0.5", CidrLength: 32, BitValue: 3},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := fake.NewState(fake.Pod("red", "x", tt.podIP, map[string]string{"app": "x"}))
			c := netruleset.NewCompiler(clusterstate.NewResolver(state), poltypes.EmptyPortsAllowAll)
			compiled, ruleErrs, err := c.CompilePolicies(context.Background(), e, poltypes.Ingress, []*networkingv1.NetworkPolicy{pol})
			require.NoError(t, err)
			require.Empty(t, ruleErrs)
			assert.Equal(t, tt.want, compiled.Tables.CidrTables[poltypes.NoExcept])
			assert.Empty(t, compiled.Tables.CidrTables[poltypes.WithExcept])
			assert.Empty(t, compiled.Tables.CidrTables[poltypes.Except])
		})
	}
}

func TestExceptRowsStayApart(t *testing.T) {
	compiled := compile(t, fake.NewState(), poltypes.EmptyPortsAllowAll,
		policy("a", rule(nil, fromCidr("10.0.0.0/16", "10.0.5.0/24"))))

	assert.Equal(t, []poltypes.CidrRow{{Vni: ep.Vni, LocalIP: ep.IP, Cidr: "10.0.0.0", CidrLength: 16, BitValue: 1}},
		compiled.Tables.CidrTables[poltypes.WithExcept])
	assert.Equal(t, []poltypes.CidrRow{{Vni: ep.Vni, LocalIP: ep.IP, Cidr: "10.0.5.0", CidrLength: 24, BitValue: 1}},
		compiled.Tables.CidrTables[poltypes.Except])
	assert.Empty(t, compiled.Tables.CidrTables[poltypes.NoExcept])
}
