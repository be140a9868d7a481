package netruleset

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/pkg/cidrtrie"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

// BuildCidrRows emits one row per CIDR, sorted by CIDR string.
func BuildCidrRows(ep Endpoint, bits map[poltypes.IndexedPolicy]uint64, cidrPolicies map[string]sets.Set[poltypes.IndexedPolicy]) ([]poltypes.CidrRow, error) {
	rows := make([]poltypes.CidrRow, 0, len(cidrPolicies))
	for cidr, ids := range cidrPolicies {
		p, err := cidrtrie.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		rows = append(rows, poltypes.CidrRow{
			Vni:        ep.Vni,
			LocalIP:    ep.IP,
			Cidr:       p.Addr().String(),
			CidrLength: p.Bits(),
			BitValue:   BitValue(bits, ids),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Cidr != rows[j].Cidr {
			return rows[i].Cidr < rows[j].Cidr
		}
		return rows[i].CidrLength < rows[j].CidrLength
	})
	return rows, nil
}

// BuildPortRows emits one row per port key, sorted by protocol then port.
func BuildPortRows(ep Endpoint, bits map[poltypes.IndexedPolicy]uint64, portPolicies map[string]sets.Set[poltypes.IndexedPolicy]) []poltypes.PortRow {
	rows := make([]poltypes.PortRow, 0, len(portPolicies))
	for key, ids := range portPolicies {
		protocol, port := poltypes.SplitPortKey(key)
		rows = append(rows, poltypes.PortRow{
			Vni:      ep.Vni,
			LocalIP:  ep.IP,
			Protocol: protocol,
			Port:     port,
			BitValue: BitValue(bits, ids),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Protocol != rows[j].Protocol {
			return rows[i].Protocol < rows[j].Protocol
		}
		if len(rows[i].Port) != len(rows[j].Port) {
			return len(rows[i].Port) < len(rows[j].Port)
		}
		return rows[i].Port < rows[j].Port
	})
	return rows
}
