package netruleset

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

// AssignBits gives the i-th indexed policy of order the bit 1<<i.
func AssignBits(order []poltypes.IndexedPolicy) (map[poltypes.IndexedPolicy]uint64, error) {
	if len(order) > poltypes.MaxIndexedPolicies {
		return nil, fmt.Errorf("%w: %d indexed policies, at most %d fit", poltypes.ErrBitAllocationOverflow, len(order), poltypes.MaxIndexedPolicies)
	}
	bits := make(map[poltypes.IndexedPolicy]uint64, len(order))
	for i, id := range order {
		bits[id] = 1 << uint(i)
	}
	return bits, nil
}

// BitValue reduces a set of indexed policies to the sum of their bits.
func BitValue(bits map[poltypes.IndexedPolicy]uint64, ids sets.Set[poltypes.IndexedPolicy]) uint64 {
	var value uint64
	for id := range ids {
		value += bits[id]
	}
	return value
}
