// Package netrange expands CIDR blocks into the address sequences probed by a
// scan. Every address in the block is included, network and broadcast
// addresses too, minus any explicit exclusions.
package netrange

import (
	"fmt"
	"iter"
	"math/big"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/anstrom/sharescan/internal/errors"
)

// NetworkRange is an immutable set of addresses built from a CIDR block.
type NetworkRange struct {
	prefix   netip.Prefix
	excluded []string
	set      *netipx.IPSet
}

// Parse builds a NetworkRange from a CIDR string. A bare address is treated
// as a single-host prefix. Each exclusion may be an address or a CIDR block.
func Parse(cidr string, exclude ...string) (NetworkRange, error) {
	prefix, err := parsePrefix(cidr)
	if err != nil {
		return NetworkRange{}, errors.ErrInvalidRange(cidr, err)
	}

	var b netipx.IPSetBuilder
	b.AddPrefix(prefix)
	var excluded []string
	for _, ex := range exclude {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		p, err := parsePrefix(ex)
		if err != nil {
			return NetworkRange{}, errors.ErrInvalidRange(ex, err)
		}
		b.RemovePrefix(p)
		excluded = append(excluded, ex)
	}

	set, err := b.IPSet()
	if err != nil {
		return NetworkRange{}, errors.ErrInvalidRange(cidr, err)
	}

	return NetworkRange{prefix: prefix, excluded: excluded, set: set}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(cidr string, exclude ...string) NetworkRange {
	r, err := Parse(cidr, exclude...)
	if err != nil {
		panic(err)
	}
	return r
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("IPv4-mapped prefix %s not supported", s)
	}
	return p.Masked(), nil
}

// Prefix returns the masked CIDR block the range was built from.
func (r NetworkRange) Prefix() netip.Prefix {
	return r.prefix
}

// String returns the CIDR block, with exclusions appended when present.
func (r NetworkRange) String() string {
	if len(r.excluded) == 0 {
		return r.prefix.String()
	}
	return fmt.Sprintf("%s (excluding %s)", r.prefix, strings.Join(r.excluded, ", "))
}

// Size returns the number of addresses in the range.
func (r NetworkRange) Size() *big.Int {
	total := new(big.Int)
	if r.set == nil {
		return total
	}
	for _, rng := range r.set.Ranges() {
		total.Add(total, rangeSize(rng))
	}
	return total
}

// SizeWithin reports the number of addresses and whether it is at most limit.
func (r NetworkRange) SizeWithin(limit uint64) (uint64, bool) {
	size := r.Size()
	if !size.IsUint64() {
		return 0, false
	}
	n := size.Uint64()
	return n, n <= limit
}

func rangeSize(rng netipx.IPRange) *big.Int {
	from := new(big.Int).SetBytes(rng.From().AsSlice())
	to := new(big.Int).SetBytes(rng.To().AsSlice())
	return to.Sub(to, from).Add(to, big.NewInt(1))
}

// Contains reports whether addr is part of the range.
func (r NetworkRange) Contains(addr netip.Addr) bool {
	return r.set != nil && r.set.Contains(addr)
}

// Addresses yields every address in ascending order. Iteration is lazy, so a
// large block costs nothing until it is consumed.
func (r NetworkRange) Addresses() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		if r.set == nil {
			return
		}
		for _, rng := range r.set.Ranges() {
			for addr := rng.From(); addr.IsValid(); addr = addr.Next() {
				if !yield(addr) {
					return
				}
				if addr == rng.To() {
					break
				}
			}
		}
	}
}
