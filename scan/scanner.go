// Package scan queries the host for network resources already in use:
// interface addresses (as reserved CIDR blocks) and bound UDP/TCP ports.
package scan

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// ReservedCIDRs enumerates the host's IPv4 network interfaces and returns
// the CIDR block each one's address and netmask imply, plus extra (the
// local /32s of currently-live tunnels, supplied by the caller so a new
// allocation does not collide with one this process already made).
func ReservedCIDRs(extra []ipcidr.CIDR) ([]ipcidr.CIDR, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("scan: listing links: %w", err)
	}
	reserved := make([]ipcidr.CIDR, 0, len(links)+len(extra))
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("scan: listing addresses on %s: %w", link.Attrs().Name, err)
		}
		for _, addr := range addrs {
			ip4 := addr.IPNet.IP.To4()
			if ip4 == nil {
				continue
			}
			length, _ := addr.IPNet.Mask.Size()
			start := ipcidr.FromOctets(ip4[0], ip4[1], ip4[2], ip4[3])
			reserved = append(reserved, ipcidr.New(networkAddress(start, uint8(length)), uint8(length)))
		}
	}
	reserved = append(reserved, extra...)
	zap.S().Debugf("scan: reserved cidrs: %s", ipcidr.Join(reserved))
	return reserved, nil
}

// networkAddress masks ip down to the network address of a length-bit
// prefix, matching start = addr & mask.
func networkAddress(ip ipcidr.IP, length uint8) ipcidr.IP {
	if length == 0 {
		return 0
	}
	mask := uint32(0xFFFFFFFF) << (32 - length)
	return ipcidr.FromUint32(ip.Uint32() & mask)
}

// Protocol selects which socket table ReservedPorts inspects.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// ReservedPorts invokes ss to list all sockets (listening or not) of the
// given protocol whose local port falls within [lo, hi], and returns
// their local ports, sorted. If ss exits non-zero, the returned error
// wraps its stderr; callers are expected to treat that as "assume an
// empty reserved set" rather than failing tunnel allocation outright
// (see the resource-allocator design notes).
func ReservedPorts(ctx context.Context, proto Protocol, lo, hi int) ([]int, error) {
	flag := "-u"
	if proto == ProtocolTCP {
		flag = "-t"
	}
	filter := fmt.Sprintf("sport >= :%d and sport <= :%d", lo, hi)
	cmd := exec.CommandContext(ctx, "ss", flag, "-a", "-n", "-H", filter)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("scan: ss %s: %w: %s", filter, err, strings.TrimSpace(stderr.String()))
	}
	return parseSSOutput(&stdout)
}

// parseSSOutput extracts the local port (the last colon-delimited token
// of column 4, "Local Address:Port") from each line of single-protocol
// ss -H output, which has no leading Netid column, and returns them
// sorted.
func parseSSOutput(r *bytes.Buffer) ([]int, error) {
	var ports []int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		local := fields[3]
		idx := strings.LastIndexByte(local, ':')
		if idx == -1 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: reading ss output: %w", err)
	}
	sort.Ints(ports)
	return ports, nil
}
