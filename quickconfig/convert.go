package quickconfig

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/peridio/peridio-rat/model"
)

// Decoded is the canonical view of a parsed .conf: the fields that make
// up an Interface/Peer pair plus whatever didn't fit that shape.
type Decoded struct {
	Interface      model.Interface
	Peer           model.Peer
	TunnelID       string
	ExtraInterface []model.KV
	ExtraPeer      []model.KV
	ExtraSections  []model.ExtraSection
}

// Decode extracts an Interface/Peer pair and the Peridio.TunnelID out of
// a raw Config, per the canonical key sets interfaceKeys and peerKeys. Returns
// ErrMissingRequiredKeys if any of the minimum keys the external
// interface contract requires are absent.
func Decode(cfg *Config) (Decoded, error) {
	var d Decoded

	addrRaw, ok := cfg.Get("Interface", "Address")
	if !ok {
		return d, fmt.Errorf("%w: Interface.Address", ErrMissingRequiredKeys)
	}
	addr, err := parseHostAddress(addrRaw)
	if err != nil {
		return d, err
	}
	d.Interface.IPAddress = addr

	portRaw, ok := cfg.Get("Interface", "ListenPort")
	if !ok {
		return d, fmt.Errorf("%w: Interface.ListenPort", ErrMissingRequiredKeys)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return d, fmt.Errorf("%w: Interface.ListenPort=%q", ErrInvalidInteger, portRaw)
	}
	d.Interface.Port = port

	priv, ok := cfg.Get("Interface", "PrivateKey")
	if !ok {
		return d, fmt.Errorf("%w: Interface.PrivateKey", ErrMissingRequiredKeys)
	}
	d.Interface.PrivateKey = priv

	if table, ok := cfg.Get("Interface", "Table"); ok {
		d.Interface.Table = model.TableMode(table)
	} else {
		d.Interface.Table = model.TableAuto
	}

	allowed, ok := cfg.Get("Peer", "AllowedIPs")
	if !ok {
		return d, fmt.Errorf("%w: Peer.AllowedIPs", ErrMissingRequiredKeys)
	}
	peerIP, err := parseAllowedIP(allowed)
	if err != nil {
		return d, err
	}
	d.Peer.IPAddress = peerIP

	peerPub, ok := cfg.Get("Peer", "PublicKey")
	if !ok {
		return d, fmt.Errorf("%w: Peer.PublicKey", ErrMissingRequiredKeys)
	}
	d.Peer.PublicKey = peerPub

	endpointRaw, ok := cfg.Get("Peer", "Endpoint")
	if !ok {
		return d, fmt.Errorf("%w: Peer.Endpoint", ErrMissingRequiredKeys)
	}
	host, portStr, err := net.SplitHostPort(endpointRaw)
	if err != nil {
		return d, fmt.Errorf("%w: %q: %s", ErrInvalidEndpointFormat, endpointRaw, err)
	}
	peerPort, err := strconv.Atoi(portStr)
	if err != nil {
		return d, fmt.Errorf("%w: %q", ErrInvalidEndpointFormat, endpointRaw)
	}
	d.Peer.Endpoint = host
	d.Peer.Port = peerPort

	keepaliveRaw, ok := cfg.Get("Peer", "PersistentKeepalive")
	if !ok {
		return d, fmt.Errorf("%w: Peer.PersistentKeepalive", ErrMissingRequiredKeys)
	}
	keepalive, err := strconv.Atoi(keepaliveRaw)
	if err != nil {
		return d, fmt.Errorf("%w: Peer.PersistentKeepalive=%q", ErrInvalidInteger, keepaliveRaw)
	}
	d.Peer.PersistentKeepalive = keepalive

	tunnelIDs := GetInExtra(cfg, "Peridio", "TunnelID")
	if len(tunnelIDs) == 0 {
		return d, fmt.Errorf("%w: Peridio.TunnelID", ErrMissingRequiredKeys)
	}
	d.TunnelID = tunnelIDs[0].Value

	for _, s := range cfg.Sections {
		switch s.Name {
		case "Interface":
			for _, kv := range s.Pairs {
				if !interfaceKeys[kv.Key] {
					d.ExtraInterface = append(d.ExtraInterface, kv)
					if kv.Key == "PublicKey" {
						d.Interface.PublicKey = kv.Value
					}
					if kv.Key == "ID" {
						d.Interface.ID = kv.Value
					}
				}
			}
		case "Peer":
			for _, kv := range s.Pairs {
				if !peerKeys[kv.Key] {
					d.ExtraPeer = append(d.ExtraPeer, kv)
				}
			}
		default:
			d.ExtraSections = append(d.ExtraSections, model.ExtraSection{Name: s.Name, Pairs: s.Pairs})
		}
	}
	return d, nil
}

func parseHostAddress(s string) (ipcidr.IP, error) {
	host := s
	if idx := strings.IndexByte(s, '/'); idx != -1 {
		host = s[:idx]
	}
	ip, err := ipcidr.ParseIP(host)
	if err != nil {
		return 0, fmt.Errorf("%w: Interface.Address=%q: %s", ErrInvalidConfig, s, err)
	}
	return ip, nil
}

func parseAllowedIP(s string) (ipcidr.IP, error) {
	if !strings.HasSuffix(s, "/32") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAllowedIPs, s)
	}
	ip, err := ipcidr.ParseIP(strings.TrimSuffix(s, "/32"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %s", ErrInvalidAllowedIPs, s, err)
	}
	return ip, nil
}

// Build renders an Interface/Peer pair, a tunnel id, and the options'
// hooks/extras into a Config in the canonical section order: Interface,
// Peer, extras in insertion order.
func Build(iface model.Interface, peer model.Peer, tunnelID string, opts model.Options) *Config {
	cfg := &Config{}

	ifacePairs := []model.KV{
		{Key: "Address", Value: iface.IPAddress.String() + "/32"},
		{Key: "ListenPort", Value: strconv.Itoa(iface.Port)},
		{Key: "PrivateKey", Value: iface.PrivateKey},
	}
	if iface.Table != "" {
		ifacePairs = append(ifacePairs, model.KV{Key: "Table", Value: string(iface.Table)})
	}
	ifacePairs = append(ifacePairs, opts.Hooks...)
	ifacePairs = append(ifacePairs,
		model.KV{Key: "ID", Value: iface.ID},
		model.KV{Key: "PublicKey", Value: iface.PublicKey},
	)
	cfg.Sections = append(cfg.Sections, Section{Name: "Interface", Pairs: ifacePairs})

	peerPairs := []model.KV{
		{Key: "AllowedIPs", Value: peer.IPAddress.String() + "/32"},
		{Key: "PublicKey", Value: peer.PublicKey},
		{Key: "Endpoint", Value: fmt.Sprintf("%s:%d", peer.Endpoint, peer.Port)},
		{Key: "PersistentKeepalive", Value: strconv.Itoa(peer.PersistentKeepalive)},
	}
	cfg.Sections = append(cfg.Sections, Section{Name: "Peer", Pairs: peerPairs})

	cfg.Sections = append(cfg.Sections, Section{
		Name:  "Peridio",
		Pairs: []model.KV{{Key: "TunnelID", Value: tunnelID}},
	})
	for _, extra := range opts.Extra {
		cfg.Sections = append(cfg.Sections, Section{Name: extra.Name, Pairs: extra.Pairs})
	}
	return cfg
}
