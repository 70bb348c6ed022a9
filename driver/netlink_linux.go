//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/quickconfig"
)

// Netlink is the alternate Driver: it manipulates the kernel directly
// through netlink and configures the WireGuard device through wgctrl
// instead of shelling to ip/wg/wg-quick. It still writes the same .conf
// file the Exec driver does, so ListInterfaces and on-disk adoption
// behave identically regardless of which driver is selected.
type Netlink struct {
	handle *netlink.Handle
	client *wgctrl.Client
}

// NewNetlinkDriver opens a netlink handle and a wgctrl client, both
// reused across every operation this driver performs.
func NewNetlinkDriver() (*Netlink, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("driver: opening netlink handle: %w", err)
	}
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("driver: opening wgctrl client: %w", err)
	}
	return &Netlink{handle: handle, client: client}, nil
}

// CreateInterface adds a wireguard-typed link, mirroring
// `ip link add dev <name> type wireguard`.
func (n *Netlink) CreateInterface(ctx context.Context, name string) (err error) {
	if len(name) > 15 {
		return fmt.Errorf("driver: interface name %q too long (max 15)", name)
	}
	zap.S().Debugf("adding link %s", name)
	err = n.handle.LinkAdd(&netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		LinkType:  "wireguard",
	})
	if err != nil {
		return fmt.Errorf("driver: adding link %s: %w", name, err)
	}
	return nil
}

// ConfigureWireGuard configures the device's keys, listen port, and
// peer through wgctrl, assigns the local address through netlink, and
// writes the .conf file so ListInterfaces sees the same shape the Exec
// driver would have produced.
func (n *Netlink) ConfigureWireGuard(ctx context.Context, iface model.Interface, peer model.Peer, tunnelID string, opts model.Options) (err error) {
	link, err := n.handle.LinkByName(iface.ID)
	if err != nil {
		return fmt.Errorf("driver: looking up link %s: %w", iface.ID, err)
	}

	privKey, err := wgtypes.ParseKey(iface.PrivateKey)
	if err != nil {
		return fmt.Errorf("driver: parsing private key: %w", err)
	}
	peerKey, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("driver: parsing peer public key: %w", err)
	}
	endpoint, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", peer.Endpoint, peer.Port))
	if err != nil {
		return fmt.Errorf("driver: resolving endpoint %s:%d: %w", peer.Endpoint, peer.Port, err)
	}
	allowedIP := net.IPNet{IP: peer.IPAddress.Net(), Mask: net.CIDRMask(32, 32)}
	listenPort := iface.Port

	cfg := wgtypes.Config{
		PrivateKey:   &privKey,
		ListenPort:   &listenPort,
		ReplacePeers: true,
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         peerKey,
			Endpoint:          endpoint,
			ReplaceAllowedIPs: true,
			AllowedIPs:        []net.IPNet{allowedIP},
		}},
	}
	zap.S().Debugf("configuring wg interface %s", iface.ID)
	if err := n.client.ConfigureDevice(iface.ID, cfg); err != nil {
		return fmt.Errorf("driver: configuring wg interface %s: %w", iface.ID, err)
	}

	addr := &net.IPNet{IP: iface.IPAddress.Net(), Mask: net.CIDRMask(32, 32)}
	if err := n.handle.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		return fmt.Errorf("driver: adding address %s to %s: %w", addr, iface.ID, err)
	}

	confFile, err := os.Create(confPath(opts.DataDir, iface.ID))
	if err != nil {
		return fmt.Errorf("driver: writing conf: %w", err)
	}
	defer confFile.Close()
	return quickconfig.Encode(confFile, quickconfig.Build(iface, peer, tunnelID, opts))
}

// BringUpInterface sets the link up, the netlink equivalent of the
// link-up step of wg-quick. It installs no route to the peer's allowed IP.
func (n *Netlink) BringUpInterface(ctx context.Context, name string, opts model.Options) error {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("driver: looking up link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("driver: setting %s up: %w", name, err)
	}
	return nil
}

// TeardownInterface deletes the link, the netlink equivalent of
// `wg-quick down`, then removes the .conf file regardless of outcome.
func (n *Netlink) TeardownInterface(ctx context.Context, name string, opts model.Options) error {
	path := confPath(opts.DataDir, name)
	link, err := n.handle.LinkByName(name)
	var delErr error
	if err == nil {
		delErr = n.handle.LinkDel(link)
	} else {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			delErr = err
		}
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		zap.S().Warnf("removing %s: %s", path, rmErr)
	}
	return delErr
}

// ListInterfaces reads back the same .conf files the Exec driver would
// have produced; the on-disk format does not depend on which driver
// wrote it.
func (n *Netlink) ListInterfaces(ctx context.Context, opts model.Options) ([]ListedInterface, error) {
	exec := &Exec{}
	return exec.ListInterfaces(ctx, opts)
}

// GenerateKeyPair derives a key pair in-process via wgctrl instead of
// shelling to `wg genkey`/`wg pubkey`; this is the one explicit,
// documented exception to driving everything through external tools.
func (n *Netlink) GenerateKeyPair(ctx context.Context) (string, string, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("driver: generating key: %w", err)
	}
	return priv.String(), priv.PublicKey().String(), nil
}

// RxPacketStats reads the link's rx packet counter via netlink rather
// than /sys/class/net, since the handle is already open.
func (n *Netlink) RxPacketStats(ctx context.Context, name string) (uint64, error) {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("driver: looking up link %s: %w", name, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, nil
	}
	return stats.RxPackets, nil
}

// TxPacketStats reads the link's tx packet counter via netlink.
func (n *Netlink) TxPacketStats(ctx context.Context, name string) (uint64, error) {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("driver: looking up link %s: %w", name, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, nil
	}
	return stats.TxPackets, nil
}

// WGLatestHandshake asks wgctrl for the device's peer list and returns
// the most recent handshake time as unix seconds, or 0 if the device
// has no peers configured yet.
func (n *Netlink) WGLatestHandshake(ctx context.Context, name string) (int64, error) {
	dev, err := n.client.Device(name)
	if err != nil {
		return 0, fmt.Errorf("driver: querying device %s: %w", name, err)
	}
	var latest int64
	for _, peer := range dev.Peers {
		if t := peer.LastHandshakeTime.Unix(); t > latest {
			latest = t
		}
	}
	if latest < 0 {
		latest = 0
	}
	return latest, nil
}

// InterfaceExists looks the link up by name.
func (n *Netlink) InterfaceExists(ctx context.Context, name string) (bool, error) {
	_, err := n.handle.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("driver: looking up interface %s: %w", name, err)
	}
	return true, nil
}
