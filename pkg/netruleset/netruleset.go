// Package netruleset compiles the network policies attached to an endpoint
// into the bitmask indexed CIDR and port tables its datapath enforces.
package netruleset

import (
	"context"
	"fmt"
	"time"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

// Endpoint is the target of a compilation.
type Endpoint struct {
	Name string
	Vni  uint32
	IP   string
}

type Compiler struct {
	resolver   *clusterstate.Resolver
	extractor  *Extractor
	emptyPorts poltypes.EmptyPortsPolicy
}

func NewCompiler(resolver *clusterstate.Resolver, emptyPorts poltypes.EmptyPortsPolicy) *Compiler {
	if emptyPorts == "" {
		emptyPorts = poltypes.EmptyPortsAllowAll
	}
	return &Compiler{resolver: resolver, extractor: NewExtractor(resolver), emptyPorts: emptyPorts}
}

func (c *Compiler) EmptyPorts() poltypes.EmptyPortsPolicy {
	return c.emptyPorts
}

// Compile fetches the named policies ("namespace/name") and compiles them for
// ep in dir. Policies which no longer exist are skipped. The returned rule
// errors did not stop the compilation, a non nil error did.
func (c *Compiler) Compile(ctx context.Context, ep Endpoint, dir poltypes.Direction, policyNames []string) (*CompiledAccessData, []error, error) {
	if c.resolver == nil {
		return nil, nil, fmt.Errorf("%w: no cluster state configured", poltypes.ErrSelectorResolutionUnavailable)
	}
	policies := make([]*networkingv1.NetworkPolicy, 0, len(policyNames))
	for _, key := range policyNames {
		ns, name, err := clusterstate.SplitPolicyKey(key)
		if err != nil {
			return nil, nil, err
		}
		policy, err := c.resolver.State().GetPolicy(ctx, ns, name)
		if apierrors.IsNotFound(err) {
			klog.V(3).Infof("Policy %s attached to endpoint %s is gone, skipping it", key, ep.Name)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: getting policy %s: %v", poltypes.ErrSelectorResolutionUnavailable, key, err)
		}
		policies = append(policies, policy)
	}
	return c.CompilePolicies(ctx, ep, dir, policies)
}

// CompilePolicies runs extraction, overlap resolution, bit assignment and
// table building over already fetched policies.
func (c *Compiler) CompilePolicies(ctx context.Context, ep Endpoint, dir poltypes.Direction, policies []*networkingv1.NetworkPolicy) (*CompiledAccessData, []error, error) {
	start := time.Now()
	data := NewPartialAccessData()
	var ruleErrs []error
	for _, policy := range policies {
		ruleErrs = append(ruleErrs, c.extractor.ExtractDirection(ctx, data, policy, dir)...)
	}
	data.normalize()

	compiled, err := c.resolve(ep, dir, data)
	if err != nil {
		return nil, ruleErrs, err
	}
	klog.V(4).Infof("Compiled %s tables of endpoint %s: %d indexed policies, %d rows in %v",
		dir, ep.Name, data.IndexedPolicyCount, compiled.Tables.Rows(), time.Since(start))
	return compiled, ruleErrs, nil
}

func (c *Compiler) resolve(ep Endpoint, dir poltypes.Direction, data *PartialAccessData) (*CompiledAccessData, error) {
	bits, err := AssignBits(data.Order)
	if err != nil {
		return nil, err
	}
	compiled := &CompiledAccessData{
		PartialAccessData: data,
		Direction:         dir,
		IndexedPolicyMap:  bits,
		CidrPolicies:      map[poltypes.CidrClass]map[string]sets.Set[poltypes.IndexedPolicy]{},
		Tables:            poltypes.AccessTables{CidrTables: map[poltypes.CidrClass][]poltypes.CidrRow{}},
	}
	for _, class := range poltypes.CidrClasses {
		resolved, err := ResolveOverlaps(data, class)
		if err != nil {
			return nil, err
		}
		rows, err := BuildCidrRows(ep, bits, resolved)
		if err != nil {
			return nil, err
		}
		compiled.CidrPolicies[class] = resolved
		compiled.Tables.CidrTables[class] = rows
	}
	compiled.PortPolicies = portPolicies(data, c.emptyPorts)
	compiled.Tables.PortTable = BuildPortRows(ep, bits, compiled.PortPolicies)
	return compiled, nil
}
