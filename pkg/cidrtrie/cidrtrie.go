// Package cidrtrie is a prefix trie of CIDRs answering "which stored prefixes
// overlap this one" in a single descent.
//
// Keys are the family byte followed by one byte per prefix bit, so an
// ancestor network is always a byte prefix of its descendants and the radix
// tree walks give both directions of containment.
package cidrtrie

import (
	"fmt"
	"net/netip"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	netutils "k8s.io/utils/net"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

type Entry[T any] struct {
	Prefix netip.Prefix
	Value  T
}

type Trie[T any] struct {
	tree *iradix.Tree[Entry[T]]
}

func New[T any]() *Trie[T] {
	return &Trie[T]{tree: iradix.New[Entry[T]]()}
}

// ParsePrefix accepts the same sloppy notation the API server does and
// returns the masked network.
func ParsePrefix(cidr string) (netip.Prefix, error) {
	_, ipNet, err := netutils.ParseCIDRSloppy(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w %q: %v", poltypes.ErrInvalidCidr, cidr, err)
	}
	addr, ok := netip.AddrFromSlice(ipNet.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%w %q", poltypes.ErrInvalidCidr, cidr)
	}
	ones, _ := ipNet.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones).Masked(), nil
}

// HostPrefix turns a pod IP into its /32 or /128 network.
func HostPrefix(ip string) (netip.Prefix, error) {
	parsed := netutils.ParseIPSloppy(ip)
	if parsed == nil {
		return netip.Prefix{}, fmt.Errorf("%w: bad address %q", poltypes.ErrInvalidCidr, ip)
	}
	bits := 128
	if netutils.IsIPv4(parsed) {
		bits = 32
	}
	addr, _ := netip.AddrFromSlice(parsed)
	return netip.PrefixFrom(addr.Unmap(), bits), nil
}

func key(p netip.Prefix) []byte {
	addr := p.Addr()
	out := make([]byte, 0, p.Bits()+1)
	if addr.Is4() {
		out = append(out, '4')
	} else {
		out = append(out, '6')
	}
	raw := addr.AsSlice()
	for i := 0; i < p.Bits(); i++ {
		if raw[i/8]&(0x80>>(i%8)) != 0 {
			out = append(out, '1')
		} else {
			out = append(out, '0')
		}
	}
	return out
}

// Insert stores value under prefix, replacing what was there.
func (t *Trie[T]) Insert(prefix netip.Prefix, value T) {
	prefix = prefix.Masked()
	t.tree, _, _ = t.tree.Insert(key(prefix), Entry[T]{Prefix: prefix, Value: value})
}

func (t *Trie[T]) Get(prefix netip.Prefix) (T, bool) {
	e, ok := t.tree.Get(key(prefix.Masked()))
	return e.Value, ok
}

func (t *Trie[T]) Len() int {
	return t.tree.Len()
}

// FindAll returns every stored entry that contains prefix or is contained by
// it, the entry stored under prefix itself included. Ancestors come first,
// shortest prefix first, followed by descendants in key order.
func (t *Trie[T]) FindAll(prefix netip.Prefix) []Entry[T] {
	k := key(prefix.Masked())
	var found []Entry[T]
	root := t.tree.Root()
	root.WalkPath(k, func(ancestor []byte, e Entry[T]) bool {
		if len(ancestor) < len(k) {
			found = append(found, e)
		}
		return false
	})
	root.WalkPrefix(k, func(_ []byte, e Entry[T]) bool {
		found = append(found, e)
		return false
	})
	return found
}
