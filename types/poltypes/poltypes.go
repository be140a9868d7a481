package poltypes

import (
	"context"
	"fmt"
	"strings"
)

type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

var Directions = []Direction{Ingress, Egress}

// CidrClass keeps the three ipBlock tracks apart. They are resolved and
// emitted independently, an excepted sub-range is never subtracted from its
// parent block.
type CidrClass string

const (
	NoExcept   CidrClass = "no_except"
	WithExcept CidrClass = "with_except"
	Except     CidrClass = "except"
)

var CidrClasses = []CidrClass{NoExcept, WithExcept, Except}

// EmptyPortsPolicy decides what a rule without a ports list means for the
// port dimension.
type EmptyPortsPolicy string

const (
	EmptyPortsAllowAll EmptyPortsPolicy = "allow"
	EmptyPortsDenyAll  EmptyPortsPolicy = "deny"
)

const (
	WildcardProtocol   = "ANY"
	WildcardPort       = "0"
	DefaultProtocol    = "TCP"
	MaxIndexedPolicies = 64
)

// IndexedPolicy names one directional rule clause of one policy.
type IndexedPolicy string

func NewIndexedPolicy(policyName string, dir Direction, ruleIndex int) IndexedPolicy {
	return IndexedPolicy(fmt.Sprintf("%s_%s_%d", policyName, dir, ruleIndex))
}

func LabelKey(key, value string) string {
	return key + "=" + value
}

// PortKey renders the "{protocol}:{port}" form used as the port map key.
func PortKey(protocol, port string) string {
	return protocol + ":" + port
}

func SplitPortKey(key string) (string, string) {
	proto, port, _ := strings.Cut(key, ":")
	return proto, port
}

type CidrRow struct {
	Vni        uint32 `json:"vni"`
	LocalIP    string `json:"localIp"`
	Cidr       string `json:"cidr"`
	CidrLength int    `json:"cidrLength"`
	BitValue   uint64 `json:"bitValue"`
}

type PortRow struct {
	Vni      uint32 `json:"vni"`
	LocalIP  string `json:"localIp"`
	Protocol string `json:"protocol"`
	Port     string `json:"port"`
	BitValue uint64 `json:"bitValue"`
}

// AccessTables is what gets pushed to the droplet hosting an endpoint.
type AccessTables struct {
	CidrTables map[CidrClass][]CidrRow `json:"cidrTables"`
	PortTable  []PortRow               `json:"portTable"`
}

func (t *AccessTables) Rows() int {
	if t == nil {
		return 0
	}
	n := len(t.PortTable)
	for _, rows := range t.CidrTables {
		n += len(rows)
	}
	return n
}

// TableProvisioner is implemented by whatever programs the datapath of the
// droplet hosting an endpoint.
type TableProvisioner interface {
	PushAccessTables(ctx context.Context, endpoint string, dir Direction, tables *AccessTables) error
}
