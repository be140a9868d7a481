package netruleset

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

// PartialAccessData collects what the rules of every policy attached to an
// endpoint contribute in one direction, before overlap resolution.
type PartialAccessData struct {
	IndexedPolicyCount int
	// Order is the insertion order of indexed policies, bits follow it.
	Order []poltypes.IndexedPolicy
	// PolicyMap groups indexed policies under the policy they came from.
	PolicyMap map[string][]poltypes.IndexedPolicy
	Cidrs     map[poltypes.CidrClass]map[poltypes.IndexedPolicy][]string
	Ports     map[poltypes.IndexedPolicy][]string
	// AllPorts holds the indexed policies whose rule has no ports list.
	AllPorts sets.Set[poltypes.IndexedPolicy]
	// LabelPolicies maps "k=v" (or a bare key for selector expressions) to
	// the policies whose peer selectors reference it.
	LabelPolicies map[string]sets.Set[string]
}

func NewPartialAccessData() *PartialAccessData {
	d := &PartialAccessData{
		PolicyMap:     map[string][]poltypes.IndexedPolicy{},
		Cidrs:         map[poltypes.CidrClass]map[poltypes.IndexedPolicy][]string{},
		Ports:         map[poltypes.IndexedPolicy][]string{},
		AllPorts:      sets.New[poltypes.IndexedPolicy](),
		LabelPolicies: map[string]sets.Set[string]{},
	}
	for _, class := range poltypes.CidrClasses {
		d.Cidrs[class] = map[poltypes.IndexedPolicy][]string{}
	}
	return d
}

func (d *PartialAccessData) addIndexedPolicy(policyName string, id poltypes.IndexedPolicy) {
	for _, known := range d.PolicyMap[policyName] {
		if known == id {
			return
		}
	}
	d.PolicyMap[policyName] = append(d.PolicyMap[policyName], id)
	d.Order = append(d.Order, id)
	d.IndexedPolicyCount++
}

func (d *PartialAccessData) addLabel(label, policyName string) {
	if _, ok := d.LabelPolicies[label]; !ok {
		d.LabelPolicies[label] = sets.New[string]()
	}
	d.LabelPolicies[label].Insert(policyName)
}

// normalize sorts and de-duplicates the per rule lists so that the same
// cluster state always yields an identical value, whatever order the
// listers returned objects in.
func (d *PartialAccessData) normalize() {
	for _, byPolicy := range d.Cidrs {
		for id, cidrs := range byPolicy {
			byPolicy[id] = sets.List(sets.New(cidrs...))
		}
	}
	for id, ports := range d.Ports {
		d.Ports[id] = sets.List(sets.New(ports...))
	}
}

// CompiledAccessData is the result of compiling one endpoint in one
// direction. Everything but the tables is kept for diagnostics and for the
// label trigger index.
type CompiledAccessData struct {
	*PartialAccessData
	Direction poltypes.Direction
	// IndexedPolicyMap holds the bit of every indexed policy.
	IndexedPolicyMap map[poltypes.IndexedPolicy]uint64
	CidrPolicies     map[poltypes.CidrClass]map[string]sets.Set[poltypes.IndexedPolicy]
	PortPolicies     map[string]sets.Set[poltypes.IndexedPolicy]
	Tables           poltypes.AccessTables
}

// Decode splits a bitmask back into the indexed policies it encodes.
func (c *CompiledAccessData) Decode(bitValue uint64) []poltypes.IndexedPolicy {
	var ids []poltypes.IndexedPolicy
	for _, id := range c.Order {
		if bitValue&c.IndexedPolicyMap[id] != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// LabelsOf lists the trigger labels registered by the data, sorted.
func (c *CompiledAccessData) LabelsOf() []string {
	out := make([]string, 0, len(c.LabelPolicies))
	for label := range c.LabelPolicies {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
