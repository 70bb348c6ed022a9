// Package alloc combines CIDR arithmetic and a reserved-resource list
// into the free IPv4 addresses and UDP ports a new tunnel may use.
package alloc

import (
	"errors"
	"sort"

	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/zhangyunhao116/fastrand"
)

// ErrNoFreeAddress is returned when every free CIDR has been exhausted by
// collisions against currently-live tunnels.
var ErrNoFreeAddress = errors.New("alloc: no free address")

// ErrNoFreePort is returned when every free port sub-range has been
// exhausted by collisions against currently-live tunnels.
var ErrNoFreePort = errors.New("alloc: no free port")

// DefaultPrivatePool is the address space new tunnels are allocated from
// absent configuration: the three RFC 1918 private blocks.
func DefaultPrivatePool() []ipcidr.CIDR {
	return []ipcidr.CIDR{
		ipcidr.MustParseCIDR("172.16.0.0/12"),
		ipcidr.MustParseCIDR("192.168.0.0/16"),
		ipcidr.MustParseCIDR("10.0.0.0/8"),
	}
}

// PortRange is an inclusive range of UDP port numbers.
type PortRange struct {
	Start, End int
}

// DefaultPortRange is the dynamic/private port range of RFC 6335,
// 49152..65535.
func DefaultPortRange() PortRange {
	return PortRange{Start: 49152, End: 65535}
}

// AvailableCIDRs computes the free CIDR blocks within pool: for each pool
// block, either the whole block (if nothing reserved intersects it) or,
// for every reservation that does intersect it, the portion of the pool
// block lying outside that reservation. A pool block with more than one
// reservation inside it can therefore yield overlapping free blocks, and
// a block left free by one reservation may contain another reservation;
// PickAddress retries only against its taken set, not against these
// reservations.
func AvailableCIDRs(pool, reserved []ipcidr.CIDR) []ipcidr.CIDR {
	var free []ipcidr.CIDR
	for _, p := range pool {
		var hits []ipcidr.CIDR
		for _, r := range reserved {
			if ipcidr.Contains(p, r) {
				hits = append(hits, r)
			}
		}
		if len(hits) == 0 {
			free = append(free, p)
			continue
		}
		for _, r := range hits {
			free = append(free, ipcidr.RightMinusLeft(r, p)...)
		}
	}
	return free
}

// SplitRange partitions the inclusive integer range [rng.Start, rng.End]
// into the maximal sub-ranges obtained by removing every element of
// reserved. Elements of reserved outside the range are ignored; reserved
// need not be sorted or deduplicated on entry.
func SplitRange(rng PortRange, reserved []int) []PortRange {
	sorted := make([]int, 0, len(reserved))
	for _, p := range reserved {
		if p >= rng.Start && p <= rng.End {
			sorted = append(sorted, p)
		}
	}
	sort.Ints(sorted)
	sorted = dedupe(sorted)

	var out []PortRange
	cur := rng
	for _, r := range sorted {
		switch {
		case r < cur.Start || r > cur.End:
			continue
		case cur.Start == cur.End:
			cur.Start = cur.Start + 1
		case r == cur.Start:
			cur.Start++
		case r == cur.End:
			cur.End--
		default:
			out = append(out, PortRange{Start: cur.Start, End: r - 1})
			cur.Start = r + 1
		}
		if cur.Start > cur.End {
			return out
		}
	}
	if cur.Start <= cur.End {
		out = append(out, cur)
	}
	return out
}

func dedupe(sorted []int) []int {
	out := sorted[:0]
	var prev int
	for i, v := range sorted {
		if i > 0 && v == prev {
			continue
		}
		out = append(out, v)
		prev = v
	}
	return out
}

const pickAttempts = 64

// PickAddress chooses a uniformly random address from free, excluding
// each block's network and broadcast addresses, retrying against taken
// on collision. Blocks with no usable address once those two are
// excluded (a /31 or /32) are skipped entirely.
func PickAddress(free []ipcidr.CIDR, taken map[ipcidr.IP]bool) (ipcidr.IP, error) {
	usable := make([]ipcidr.CIDR, 0, len(free))
	for _, c := range free {
		if c.Addresses() > 2 {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return 0, ErrNoFreeAddress
	}
	for attempt := 0; attempt < pickAttempts; attempt++ {
		c := usable[fastrand.Intn(len(usable))]
		span := int(c.Addresses() - 2) // exclude start and end
		offset := uint32(fastrand.Intn(span)) + 1
		ip := ipcidr.FromUint32(c.Start().Uint32() + offset)
		if !taken[ip] {
			return ip, nil
		}
	}
	return 0, ErrNoFreeAddress
}

// PickPort chooses a uniformly random port from free, retrying against
// taken on collision.
func PickPort(free []PortRange, taken map[int]bool) (int, error) {
	usable := free[:0:0]
	for _, r := range free {
		if r.Start <= r.End {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return 0, ErrNoFreePort
	}
	for attempt := 0; attempt < pickAttempts; attempt++ {
		r := usable[fastrand.Intn(len(usable))]
		span := r.End - r.Start + 1
		port := r.Start + fastrand.Intn(span)
		if !taken[port] {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}
