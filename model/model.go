// Package model holds the value types shared by the driver, quick-config
// codec, tunnel actor, and registry: interface and peer descriptors, the
// options bag threaded through a tunnel's lifecycle, and exit reasons.
package model

import (
	"time"

	"github.com/peridio/peridio-rat/ipcidr"
)

// TableMode is the wg-quick [Interface] Table setting.
type TableMode string

const (
	TableAuto TableMode = "auto"
	TableOff  TableMode = "off"
)

// Interface is the local side of a tunnel: identity plus the fields
// wg-quick needs to bring it up.
type Interface struct {
	ID         string
	IPAddress  ipcidr.IP
	Port       int
	PrivateKey string
	PublicKey  string
	Table      TableMode
}

// Peer is the remote side of a tunnel. IPAddress is always treated as a
// /32 in AllowedIPs.
type Peer struct {
	IPAddress           ipcidr.IP
	Endpoint            string
	Port                int
	PublicKey           string
	PersistentKeepalive int
}

// KV is an ordered key/value pair, used wherever the wire format allows
// duplicate keys within a section.
type KV struct {
	Key   string
	Value string
}

// ExtraSection is a named group of key/value pairs carried in a .conf
// file outside the canonical [Interface]/[Peer] sections.
type ExtraSection struct {
	Name  string
	Pairs []KV
}

// Options configures one tunnel's lifecycle and on-disk representation.
type Options struct {
	DataDir   string
	Hooks     []KV
	Extra     []ExtraSection
	ExpiresAt time.Time
	OnExit    func(ExitReason)

	// StaleShutdown closes the tunnel when checkLiveness finds it
	// stale, instead of only logging a warning. Default false.
	StaleShutdown bool
}

// ExitReason records why a tunnel actor stopped. The named constants
// cover normal lifecycle exits (TTL expiry, interface timeout, stale
// liveness) and the two driver-failure steps tunnel.Open and the actor
// distinguish explicitly; DeviceError covers the rest.
type ExitReason string

const (
	ExitNormal           ExitReason = "normal"
	ExitTTLTimeout       ExitReason = "ttl_timeout"
	ExitInterfaceTimeout ExitReason = "interface_timeout"
	ExitConfigureFailed  ExitReason = "device_error_interface_configure"
	ExitBringUpFailed    ExitReason = "device_error_interface_up"
	ExitStaleTimeout     ExitReason = "stale_timeout"
)

// DeviceError formats a driver failure observed at step as an exit
// reason of the same shape the lifecycle spec names
// (device_error_interface_configure, device_error_interface_up).
func DeviceError(step string) ExitReason {
	return ExitReason("device_error_interface_" + step)
}
