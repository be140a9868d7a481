package netruleset

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/pkg/cidrtrie"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

// directCidrPolicies inverts the per rule CIDR lists of one class into
// CIDR -> contributing indexed policies.
func directCidrPolicies(data *PartialAccessData, class poltypes.CidrClass) map[string]sets.Set[poltypes.IndexedPolicy] {
	direct := map[string]sets.Set[poltypes.IndexedPolicy]{}
	for id, cidrs := range data.Cidrs[class] {
		for _, cidr := range cidrs {
			if _, ok := direct[cidr]; !ok {
				direct[cidr] = sets.New[poltypes.IndexedPolicy]()
			}
			direct[cidr].Insert(id)
		}
	}
	return direct
}

// ResolveOverlaps gives every CIDR of the class the union of the indexed
// policies of all CIDRs of the same class that contain it or that it
// contains. The union is computed from the direct contributions only, so the
// result does not depend on the order CIDRs are visited in.
func ResolveOverlaps(data *PartialAccessData, class poltypes.CidrClass) (map[string]sets.Set[poltypes.IndexedPolicy], error) {
	direct := directCidrPolicies(data, class)
	trie := cidrtrie.New[sets.Set[poltypes.IndexedPolicy]]()
	for cidr, ids := range direct {
		p, err := cidrtrie.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		trie.Insert(p, ids)
	}

	resolved := make(map[string]sets.Set[poltypes.IndexedPolicy], len(direct))
	for cidr, ids := range direct {
		p, err := cidrtrie.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		union := ids.Clone()
		for _, found := range trie.FindAll(p) {
			union = union.Union(found.Value)
		}
		resolved[cidr] = union
	}
	return resolved, nil
}

// portPolicies maps every port key to the indexed policies allowing it. The
// "{protocol}:0" row of a protocol is folded into its explicit ports. With
// EmptyPortsAllowAll, rules without ports get the wildcard row and are added
// to every explicit port so that one lookup is enough.
func portPolicies(data *PartialAccessData, emptyPorts poltypes.EmptyPortsPolicy) map[string]sets.Set[poltypes.IndexedPolicy] {
	byPort := map[string]sets.Set[poltypes.IndexedPolicy]{}
	for id, ports := range data.Ports {
		for _, port := range ports {
			if _, ok := byPort[port]; !ok {
				byPort[port] = sets.New[poltypes.IndexedPolicy]()
			}
			byPort[port].Insert(id)
		}
	}
	for key, ids := range byPort {
		protocol, port := poltypes.SplitPortKey(key)
		if port == poltypes.WildcardPort {
			continue
		}
		if all, ok := byPort[poltypes.PortKey(protocol, poltypes.WildcardPort)]; ok {
			byPort[key] = ids.Union(all)
		}
	}
	if emptyPorts != poltypes.EmptyPortsAllowAll || data.AllPorts.Len() == 0 {
		return byPort
	}
	for port, ids := range byPort {
		byPort[port] = ids.Union(data.AllPorts)
	}
	wildcard := poltypes.PortKey(poltypes.WildcardProtocol, poltypes.WildcardPort)
	byPort[wildcard] = data.AllPorts.Clone()
	return byPort
}
