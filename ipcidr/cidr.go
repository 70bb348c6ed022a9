package ipcidr

import (
	"fmt"
	"math/bits"
	"net"
	"strconv"
	"strings"
)

// CIDR is a contiguous, prefix-aligned closed range [Start, End] of IPv4
// addresses. The zero value is 0.0.0.0/0.
type CIDR struct {
	start  uint32
	length uint8 // 0..32
}

// New builds a CIDR from a start address and prefix length. start must
// already be aligned to length; callers that don't know this holds
// should go through FromRange instead.
func New(start IP, length uint8) CIDR {
	return CIDR{start: uint32(start), length: length}
}

// ParseCIDR parses "a.b.c.d/n" notation. The returned CIDR's Start is the
// network address of the block (the input address masked by its prefix),
// matching the invariant that ip_start is always prefix-aligned.
func ParseCIDR(s string) (CIDR, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return CIDR{}, fmt.Errorf("ipcidr: parsing %q: %w", s, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return CIDR{}, fmt.Errorf("ipcidr: %q is not an IPv4 CIDR", s)
	}
	length, _ := ipnet.Mask.Size()
	start := FromOctets(ip4[0], ip4[1], ip4[2], ip4[3])
	return New(start, uint8(length)), nil
}

// MustParseCIDR is ParseCIDR, panicking on error. Intended for tests and
// for compiling in-code constants such as the default private-address pool.
func MustParseCIDR(s string) CIDR {
	c, err := ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Start returns the first address in the block.
func (c CIDR) Start() IP { return IP(c.start) }

// End returns the last address in the block.
func (c CIDR) End() IP {
	return IP(c.start + uint32(c.Addresses()-1))
}

// Length returns the prefix length, 0..32.
func (c CIDR) Length() uint8 { return c.length }

// Addresses returns the number of addresses in the block. A /32 block has
// exactly one address; a /0 block has 2^32.
func (c CIDR) Addresses() uint64 {
	return uint64(1) << (32 - c.length)
}

func (c CIDR) String() string {
	return IP(c.start).String() + "/" + strconv.Itoa(int(c.length))
}

// Range returns the inclusive integer range [start, end] covered by c.
func (c CIDR) Range() (start, end uint64) {
	return uint64(c.start), uint64(c.start) + c.Addresses() - 1
}

// floorLog2 returns floor(log2(n)) for n >= 1.
func floorLog2(n uint64) int {
	return bits.Len64(n) - 1
}

// FromRange splits the inclusive integer range [start, end] into the
// minimum set of prefix-aligned CIDR blocks whose union equals the range.
//
// At each step the largest block that is both aligned to the current
// position and fits within what remains of the range is emitted, and the
// position advances past it. This terminates in at most 62 emissions:
// up to 31 blocks of growing size while the position is not yet aligned,
// then up to 31 of shrinking size (e.g. 1..4294967294 needs all 62).
func FromRange(start, end uint64) []CIDR {
	if end < start {
		return nil
	}
	var out []CIDR
	cur := start
	for cur <= end {
		size := end - cur + 1
		blockLog := floorLog2(size)
		if cur != 0 {
			if align := bits.TrailingZeros64(cur); align < blockLog {
				blockLog = align
			}
		}
		// blockLog can exceed 32 only if the range itself does (it can't,
		// callers stay within 32-bit space), so this is always in 0..32.
		length := 32 - blockLog
		out = append(out, New(IP(uint32(cur)), uint8(length)))
		cur += uint64(1) << blockLog
	}
	return out
}

// overlaps reports whether a and b share at least one address.
func overlaps(a, b CIDR) bool {
	aStart, aEnd := a.Range()
	bStart, bEnd := b.Range()
	return aStart <= bEnd && bStart <= aEnd
}

// Contains reports whether outer and inner are not disjoint. Despite the
// name (kept for fidelity with the system this package implements),
// this is an overlap test, not strict containment: a block that merely
// intersects another is reported as "contained".
func Contains(outer, inner CIDR) bool {
	return overlaps(outer, inner)
}

// LeftMinusRight returns the maximal aligned CIDR blocks covering the
// portion of a that lies outside b (a \ b). Empty when a is fully inside
// b; a itself when a and b are disjoint (use RightMinusLeft for the
// complementary portion of b).
func LeftMinusRight(a, b CIDR) []CIDR {
	if !overlaps(a, b) {
		return []CIDR{a}
	}
	aStart, aEnd := a.Range()
	bStart, bEnd := b.Range()
	var out []CIDR
	if aStart < bStart {
		out = append(out, FromRange(aStart, bStart-1)...)
	}
	if aEnd > bEnd {
		out = append(out, FromRange(bEnd+1, aEnd)...)
	}
	return out
}

// RightMinusLeft returns the maximal aligned CIDR blocks covering the
// portion of b that lies outside a (b \ a). This is LeftMinusRight with
// its arguments swapped; the two distinct names exist because a single
// "difference" function over two possibly-overlapping ranges is
// ambiguous about which side's remainder it means.
func RightMinusLeft(a, b CIDR) []CIDR {
	return LeftMinusRight(b, a)
}

// IPNet converts c to a stdlib *net.IPNet, e.g. for use with netlink.Addr.
func (c CIDR) IPNet() *net.IPNet {
	return &net.IPNet{
		IP:   c.Start().Net(),
		Mask: net.CIDRMask(int(c.length), 32),
	}
}

// Equal reports whether c and other describe the same block.
func (c CIDR) Equal(other CIDR) bool {
	return c.start == other.start && c.length == other.length
}

// Join renders a list of CIDRs for logging.
func Join(cidrs []CIDR) string {
	parts := make([]string, len(cidrs))
	for i, c := range cidrs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
